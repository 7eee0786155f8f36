// Package mbr decodes the classic Master Boot Record partition table.
//
// Layout of the first sector:
//
//	offset  size  content
//	0       446   bootstrap code
//	446     16    partition entry 1
//	462     16    partition entry 2
//	478     16    partition entry 3
//	494     16    partition entry 4
//	510     2     boot signature
//
// Each entry is {boot flag, CHS start[3], type, CHS end[3], start LBA (LE
// uint32), sector count (LE uint32)}. An entry with a zero sector count is
// unused.
package mbr

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/imgpull/internal/table"
)

const (
	SectorSize        = 512
	BootstrapCodeSize = 446
	EntrySize         = 16
	EntryCount        = 4

	bootableFlag = 0x80
)

// Partition is one used entry of the table.
type Partition struct {
	// Index is the 1-based slot in the table.
	Index    int
	Bootable bool
	Type     byte
	StartLBA uint32
	Sectors  uint32
}

// SizeBytes assumes 512-byte sectors.
func (p Partition) SizeBytes() uint64 {
	return uint64(p.Sectors) * SectorSize
}

// Decode parses the partition table from the first sector in data.
// The boot signature is not checked.
func Decode(data []byte) ([]Partition, error) {
	if len(data) < SectorSize {
		return nil, fmt.Errorf("short MBR: %d bytes, need %d", len(data), SectorSize)
	}

	var parts []Partition
	for i := range EntryCount {
		e := data[BootstrapCodeSize+i*EntrySize : BootstrapCodeSize+(i+1)*EntrySize]
		sectors := binary.LittleEndian.Uint32(e[12:16])
		if sectors == 0 {
			continue
		}
		parts = append(parts, Partition{
			Index:    i + 1,
			Bootable: e[0] == bootableFlag,
			Type:     e[4],
			StartLBA: binary.LittleEndian.Uint32(e[8:12]),
			Sectors:  sectors,
		})
	}
	return parts, nil
}

// ReadFile decodes the partition table of a device or image file.
func ReadFile(path string) ([]Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, SectorSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read MBR of %s: %w", path, err)
	}
	return Decode(buf)
}

// IsDevice reports whether path names a block device the table is shown for.
func IsDevice(path string) bool {
	return strings.HasPrefix(path, "/dev/")
}

// Format writes the partition table of disk as a text table.
func Format(w io.Writer, disk string, parts []Partition) {
	fmt.Fprintf(w, "> partition table for %s:\n", disk)

	var rows [][]string
	for _, p := range parts {
		boot := "no"
		if p.Bootable {
			boot = "yes"
		}
		rows = append(rows, []string{
			disk + strconv.Itoa(p.Index),
			fmt.Sprintf("0x%02x", p.Type),
			strconv.FormatUint(p.SizeBytes(), 10),
			strconv.FormatUint(uint64(p.StartLBA), 10),
			boot,
		})
	}
	_, _ = io.WriteString(w, table.Render(
		[]string{"name", "type", "size (bytes)", "first sector", "bootable"}, rows))
	fmt.Fprintln(w)
}
