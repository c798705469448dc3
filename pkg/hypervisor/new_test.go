package hypervisor

import (
	"errors"
	"runtime"
	"testing"
)

func TestPlatformSupported(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         bool
	}{
		{"linux", "amd64", true},
		{"linux", "arm64", true},
		{"darwin", "arm64", true},
		{"darwin", "amd64", false},
		{"windows", "amd64", false},
		{"freebsd", "amd64", false},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			if got := platformSupported(tt.goos, tt.goarch); got != tt.want {
				t.Errorf("platformSupported = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckPlatform(t *testing.T) {
	err := CheckPlatform()
	if SupportedPlatform() {
		if err != nil {
			t.Errorf("CheckPlatform on %s/%s = %v, want nil", runtime.GOOS, runtime.GOARCH, err)
		}
		return
	}
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("CheckPlatform = %v, want ErrUnsupportedPlatform", err)
	}
	if _, err := NewEngine(); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("NewEngine on an unsupported platform = %v", err)
	}
}
