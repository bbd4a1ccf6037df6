package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestLoggerFields(t *testing.T) {
	ctx := WithDoor(WithRequestID(context.Background(), "abc"), 7)

	entry := Logger(ctx)
	if got := entry.Data["reqid"]; got != "abc" {
		t.Errorf("reqid = %v, want abc", got)
	}
	if got := entry.Data["door"]; got != 7 {
		t.Errorf("door = %v, want 7", got)
	}
	if got := entry.Data["instance"]; got != InstanceID() {
		t.Errorf("instance = %v, want %s", got, InstanceID())
	}

	if _, ok := Logger(nil).Data["reqid"]; ok {
		t.Error("nil context logger carries a request id")
	}
}

func TestComponent(t *testing.T) {
	if got := Component("signalr").Data["component"]; got != "signalr" {
		t.Errorf("component = %v, want signalr", got)
	}
}

func TestConfigure(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"defaults", "info", "text", false},
		{"json", "warn", "json", false},
		{"bad level", "shouty", "text", true},
		{"bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logrus.SetLevel(logrus.InfoLevel)

			cfg := viper.New()
			cfg.Set("logging.location", "stderr")
			cfg.Set("logging.level", tt.level)
			cfg.Set("logging.format", tt.format)

			err := Configure(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Configure() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
