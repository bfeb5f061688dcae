package hypervisor

import (
	"strings"
	"testing"
)

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestBuildArgsRequiresOverlayAndSeed(t *testing.T) {
	if _, err := BuildArgs(Config{SeedPath: "seed.iso"}); err == nil {
		t.Error("expected error for missing overlay path")
	}
	if _, err := BuildArgs(Config{OverlayPath: "overlay.qcow2"}); err == nil {
		t.Error("expected error for missing seed path")
	}
}

func TestBuildArgsRejectsNullByte(t *testing.T) {
	_, err := BuildArgs(Config{OverlayPath: "overlay\x00.qcow2", SeedPath: "seed.iso"})
	if err == nil {
		t.Fatal("expected error for null byte in path")
	}
}

func TestBuildArgsDefaultsMemory(t *testing.T) {
	args, err := BuildArgs(Config{OverlayPath: "o.qcow2", SeedPath: "s.iso"})
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	for i, a := range args {
		if a == "-m" {
			if i+1 >= len(args) || args[i+1] != "512" {
				t.Errorf("expected default memory 512, got args %v", args)
			}
			return
		}
	}
	t.Error("-m flag not present")
}

func TestBuildArgsShape(t *testing.T) {
	cfg := Config{
		OverlayPath:   "/work/r1/overlay.qcow2",
		SeedPath:      "/work/r1/seed.iso",
		MemoryMB:      1024,
		HostSSHPort:   22345,
		SerialLogPath: "/work/r1/serial.log",
		Accelerated:   true,
	}
	args, err := BuildArgs(cfg)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if !contains(args, "-cdrom") || !strings.Contains(joined, cfg.SeedPath) {
		t.Error("missing -cdrom seed path")
	}
	if !strings.Contains(joined, "hostfwd=tcp:127.0.0.1:22345-:22") {
		t.Errorf("missing hostfwd rule, got: %s", joined)
	}
	if !strings.Contains(joined, "file="+cfg.OverlayPath) {
		t.Error("missing overlay drive file=")
	}
	if !strings.Contains(joined, "accel=kvm") || !strings.Contains(joined, "-cpu host") {
		t.Error("accelerated config should select accel=kvm with -cpu host")
	}
	if !contains(args, "-display") {
		t.Error("missing -display none")
	}
	if !strings.Contains(joined, "file:"+cfg.SerialLogPath) {
		t.Error("missing serial log redirection")
	}
}

func TestBuildArgsUnaccelerated(t *testing.T) {
	args, err := BuildArgs(Config{OverlayPath: "o.qcow2", SeedPath: "s.iso", Accelerated: false})
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "accel=tcg") || !strings.Contains(joined, "-cpu qemu64") {
		t.Errorf("expected tcg fallback args, got: %s", joined)
	}
}

func TestBinaryForArch(t *testing.T) {
	if got := binaryForArch("arm64"); got != "qemu-system-aarch64" {
		t.Errorf("binaryForArch(arm64) = %s", got)
	}
	if got := binaryForArch("amd64"); got != "qemu-system-x86_64" {
		t.Errorf("binaryForArch(amd64) = %s", got)
	}
	if got := binaryForArch(""); got != "qemu-system-x86_64" {
		t.Errorf("binaryForArch(\"\") = %s", got)
	}
}
