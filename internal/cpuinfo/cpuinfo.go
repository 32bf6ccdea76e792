package cpuinfo

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Features is the subset of x86 extensions relevant to the tile kernels.
type Features struct {
	GoArch        string `json:"go_arch"`
	CPUs          int    `json:"cpus"`
	AVX           bool   `json:"avx"`
	AVX2          bool   `json:"avx2"`
	FMA           bool   `json:"fma"`
	AVX512F       bool   `json:"avx512f"`
	AVX512BW      bool   `json:"avx512bw"`
	AVX512VL      bool   `json:"avx512vl"`
	AVX512VNNI    bool   `json:"avx512vnni"`
	AVX512BF16    bool   `json:"avx512bf16"`
	ARM64ASIMD    bool   `json:"arm64_asimd"`
	ARM64ASIMDDP  bool   `json:"arm64_asimddp"`
	CacheLinePad  int    `json:"cache_line_pad"`
	NativeBF16Dot bool   `json:"native_bf16_dot"`
}

// Detect reads the feature flags of the running CPU.
func Detect() Features {
	f := Features{
		GoArch:       runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		AVX:          cpu.X86.HasAVX,
		AVX2:         cpu.X86.HasAVX2,
		FMA:          cpu.X86.HasFMA,
		AVX512F:      cpu.X86.HasAVX512F,
		AVX512BW:     cpu.X86.HasAVX512BW,
		AVX512VL:     cpu.X86.HasAVX512VL,
		AVX512VNNI:   cpu.X86.HasAVX512VNNI,
		AVX512BF16:   cpu.X86.HasAVX512BF16,
		ARM64ASIMD:   cpu.ARM64.HasASIMD,
		ARM64ASIMDDP: cpu.ARM64.HasASIMDDP,
		CacheLinePad: int(unsafe.Sizeof(cpu.CacheLinePad{})),
	}
	f.NativeBF16Dot = f.AVX512BF16
	return f
}

// Tier names the widest vector class the CPU offers.
func (f Features) Tier() string {
	switch {
	case f.AVX512BF16:
		return "avx512-bf16"
	case f.AVX512F && f.AVX512BW:
		return "avx512"
	case f.AVX2 && f.FMA:
		return "avx2"
	case f.ARM64ASIMD:
		return "neon"
	}
	return "generic"
}

// Names lists the enabled extensions in a stable order.
func (f Features) Names() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(f.AVX, "AVX")
	add(f.AVX2, "AVX2")
	add(f.FMA, "FMA")
	add(f.AVX512F, "AVX512F")
	add(f.AVX512BW, "AVX512BW")
	add(f.AVX512VL, "AVX512VL")
	add(f.AVX512VNNI, "AVX512VNNI")
	add(f.AVX512BF16, "AVX512BF16")
	add(f.ARM64ASIMD, "ASIMD")
	add(f.ARM64ASIMDDP, "ASIMDDP")
	return out
}
