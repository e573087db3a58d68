package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/usbipd-go/usbipd/internal/usbiplog"
)

func TestLoadDefaultsWhenNoFilesExist(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	if err != nil {
		t.Fatalf("load: %s", err)
	}

	want := Default()
	if conf.ListenPort != want.ListenPort || conf.LoopbackOnly != want.LoopbackOnly ||
		conf.DNSSdEnable != want.DNSSdEnable || conf.LogMain != want.LogMain ||
		len(conf.ExportBusIDs) != 0 {
		t.Fatalf("got %+v, want %+v", conf, want)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	contents := `
[network]
listen-port = 4000
interface = loopback

[usb]
export-busids = 1-2, 3-4

[logging]
main-log = debug,trace-urb
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write conf: %s", err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}

	if conf.ListenPort != 4000 {
		t.Fatalf("listen-port = %d, want 4000", conf.ListenPort)
	}
	if !conf.LoopbackOnly {
		t.Fatalf("expected loopback-only")
	}
	if len(conf.ExportBusIDs) != 2 || conf.ExportBusIDs[0] != "1-2" || conf.ExportBusIDs[1] != "3-4" {
		t.Fatalf("unexpected busid list: %v", conf.ExportBusIDs)
	}

	want := usbiplog.LogDebug | usbiplog.LogInfo | usbiplog.LogError | usbiplog.LogTraceURB
	if conf.LogMain != want {
		t.Fatalf("main-log = %v, want %v", conf.LogMain, want)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	contents := "[network]\nlisten-port = 70000\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write conf: %s", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}
