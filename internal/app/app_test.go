package app

import (
	"strings"
	"testing"
	"time"

	"scbldr/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cfg        *Config
		wantOn     bool
		wantDriver string
		wantBusy   time.Duration
		wantErr    string // substring; empty means no error
	}{
		{name: "nil config", cfg: nil},
		{name: "section absent", cfg: &Config{}},
		{
			name: "disabled",
			cfg:  &Config{Storage: &config.StorageConfig{Enabled: false, Driver: "file", Path: "d"}},
		},
		{
			name: "driver none",
			cfg:  &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "none", Path: "d"}},
		},
		{
			name:       "default driver is file",
			cfg:        &Config{Storage: &config.StorageConfig{Enabled: true, Path: "data/scbldr"}},
			wantOn:     true,
			wantDriver: "file",
		},
		{
			name:    "file requires path",
			cfg:     &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "file"}},
			wantErr: "storage.path",
		},
		{
			name:       "sqlite with busy timeout",
			cfg:        &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "SQLite", Path: "data/scbldr.db", BusyTimeout: "250ms"}},
			wantOn:     true,
			wantDriver: "sqlite",
			wantBusy:   250 * time.Millisecond,
		},
		{
			name:       "sqlite busy timeout defaults",
			cfg:        &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "sqlite3", Path: "d.db"}},
			wantOn:     true,
			wantDriver: "sqlite3",
			wantBusy:   time.Second,
		},
		{
			name:    "sqlite requires path",
			cfg:     &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "sqlite"}},
			wantErr: "storage.path",
		},
		{
			name:    "bad busy timeout",
			cfg:     &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "sqlite", Path: "d.db", BusyTimeout: "soon"}},
			wantErr: "storage.busy_timeout",
		},
		{
			name:    "unknown driver",
			cfg:     &Config{Storage: &config.StorageConfig{Enabled: true, Driver: "bolt", Path: "d"}},
			wantErr: "storage.driver",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, on, err := mapStorageConfig(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("mapStorageConfig() err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig() err = %v", err)
			}
			if on != tt.wantOn {
				t.Fatalf("enabled = %v, want %v", on, tt.wantOn)
			}
			if !on {
				return
			}
			if sc.Driver != tt.wantDriver {
				t.Errorf("driver = %q, want %q", sc.Driver, tt.wantDriver)
			}
			if sc.BusyTimeout != tt.wantBusy {
				t.Errorf("busy timeout = %v, want %v", sc.BusyTimeout, tt.wantBusy)
			}
		})
	}
}

func TestTelegramChanged(t *testing.T) {
	t.Parallel()

	withTelegram := func(tg config.TelegramConfig) *Config {
		return &Config{Alerts: &config.AlertsConfig{Enabled: true, Telegram: tg}}
	}
	base := config.TelegramConfig{Token: "t", ChatID: 7}

	tests := []struct {
		name string
		a, b *Config
		want bool
	}{
		{name: "both nil", a: nil, b: nil, want: false},
		{name: "sections absent", a: &Config{}, b: &Config{}, want: false},
		{name: "unchanged", a: withTelegram(base), b: withTelegram(base), want: false},
		{
			name: "token changed",
			a:    withTelegram(base),
			b:    withTelegram(config.TelegramConfig{Token: "u", ChatID: 7}),
			want: true,
		},
		{
			name: "chat id changed",
			a:    withTelegram(base),
			b:    withTelegram(config.TelegramConfig{Token: "t", ChatID: 8}),
			want: true,
		},
		{
			name: "thread id changed",
			a:    withTelegram(base),
			b:    withTelegram(config.TelegramConfig{Token: "t", ChatID: 7, ThreadID: 3}),
			want: true,
		},
		{name: "section added", a: &Config{}, b: withTelegram(base), want: true},
		{
			name: "pipeline tuning only",
			a:    withTelegram(base),
			b: &Config{Alerts: &config.AlertsConfig{
				Enabled: true, Telegram: base, Workers: 4, RatePerSec: 9,
			}},
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := telegramChanged(tt.a, tt.b); got != tt.want {
				t.Fatalf("telegramChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}
