package builders

import (
	"strings"
	"testing"
)

const flashDTS = `/dts-v1/;

/ {
	axi {
		spi@ff0f0000 {
			flash@0 {
				compatible = "n25q512a";
				partition@0 {
					label = "boot";
					reg = <0x0 0x100000>;
				};
				partition@1 {
					label = "bootscr";
					reg = <0x100000 0x40000>;
				};
				partition@2 {
					label = "kernel";
					reg = <0x140000 0x1600000>;
				};
				partition@3 {
					label = "rootfs";
					reg = <0x1740000 0x8000000>;
				};
			};
		};
	};
};
`

func TestParseDTSPartitions(t *testing.T) {
	parts, err := parseDTSPartitions(strings.NewReader(flashDTS))
	if err != nil {
		t.Fatalf("parseDTSPartitions: %v", err)
	}
	if len(parts) != 4 {
		t.Fatalf("len(parts) = %d, want 4", len(parts))
	}
	kernel, ok := parts["kernel"]
	if !ok {
		t.Fatalf("kernel partition not found")
	}
	if kernel.Index != 2 {
		t.Fatalf("kernel.Index = %d, want 2", kernel.Index)
	}
	if kernel.Offset != 0x140000 {
		t.Fatalf("kernel.Offset = %#x, want %#x", kernel.Offset, 0x140000)
	}
	if kernel.Size != 0x1600000 {
		t.Fatalf("kernel.Size = %#x, want %#x", kernel.Size, 0x1600000)
	}
	if boot := parts["boot"]; boot.Index != 0 || boot.Offset != 0 || boot.Size != 0x100000 {
		t.Fatalf("boot = %+v, want index 0, offset 0, size 0x100000", boot)
	}
}

func TestParseDTSPartitionsIgnoresUnlabeled(t *testing.T) {
	dts := `partition@0 {
	reg = <0x0 0x100000>;
};
partition@1 {
	label = "named";
	reg = <0x100000 0x200000>;
};
`
	parts, err := parseDTSPartitions(strings.NewReader(dts))
	if err != nil {
		t.Fatalf("parseDTSPartitions: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("len(parts) = %d, want 1", len(parts))
	}
	if _, ok := parts["named"]; !ok {
		t.Fatalf("named partition not found")
	}
}

func TestParseDTSPartitionsEmpty(t *testing.T) {
	parts, err := parseDTSPartitions(strings.NewReader("/ {\n};\n"))
	if err != nil {
		t.Fatalf("parseDTSPartitions: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("len(parts) = %d, want 0", len(parts))
	}
}
