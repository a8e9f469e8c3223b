package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Device is the resolved processing unit for a run. It is computed once at
// startup and handed to the trainer.
type Device struct {
	Kind    string
	Threads int
	CPU     string
	AVX2    bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s (threads=%d, cpu=%q)", d.Kind, d.Threads, d.CPU)
}

// ResolveDevice turns a preference ("auto", "cpu", "cuda") into a Device.
// Asking for cuda on a host without a visible GPU is an error; auto falls back to cpu.
func ResolveDevice(preference string, threads int) (Device, error) {
	if threads <= 0 {
		threads = cpuid.CPU.LogicalCores
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dev := Device{
		Kind:    DeviceCPU,
		Threads: threads,
		CPU:     cpuid.CPU.BrandName,
		AVX2:    cpuid.CPU.Supports(cpuid.AVX2),
	}

	switch strings.ToLower(preference) {
	case "", DeviceAuto:
		if cudaVisible() {
			dev.Kind = DeviceCUDA
		}
	case DeviceCPU:
	case DeviceCUDA:
		if !cudaVisible() {
			return dev, fmt.Errorf("%w: device %q requested but no CUDA device is visible", ErrInvalidRunConfig, DeviceCUDA)
		}
		dev.Kind = DeviceCUDA
	default:
		return dev, fmt.Errorf("%w: unknown device %q", ErrInvalidRunConfig, preference)
	}

	slog.Info("resolved device", "device", dev.Kind, "threads", dev.Threads, "cpu", dev.CPU, "avx2", dev.AVX2)
	return dev, nil
}

func cudaVisible() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		return v != "" && v != "-1"
	}
	_, err := os.Stat("/dev/nvidia0")
	return err == nil
}
