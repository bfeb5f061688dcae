package seed

import (
	"encoding/binary"
	"fmt"
	"io"
)

// sectorSize is the ISO 9660 logical block size used throughout: 2048 bytes.
const sectorSize = 2048

const (
	sectorPVD         = 16
	sectorTerminator  = 17
	sectorPathTableL  = 18
	sectorPathTableM  = 19
	sectorRootDir     = 20
	sectorFirstFile   = 21
)

// isoFile is one file to place in the image's flat root directory.
type isoFile struct {
	// name8_3 is the file identifier in "NAME.;1" form: upper-case
	// d-characters (A-Z 0-9 _) plus the mandatory version suffix.
	name8_3 string
	data    []byte
}

// writeISO9660 writes a minimal, single-root-directory ISO 9660 image to w.
// files are laid out in the given order starting at sector 21; each file
// starts on its own sector boundary. volumeID is padded/truncated to 32
// bytes (the "CIDATA" volume label in this spec's usage).
func writeISO9660(w io.WriterAt, files []isoFile, volumeID string) error {
	// Lay out file extents.
	type extent struct {
		file isoFile
		lba  uint32
		size uint32
	}
	extents := make([]extent, len(files))
	next := uint32(sectorFirstFile)
	for i, f := range files {
		extents[i] = extent{file: f, lba: next, size: uint32(len(f.data))}
		next += sectorsFor(uint32(len(f.data)))
	}
	totalSectors := next

	// Root directory: ".", "..", then one record per file. All fit in one
	// sector for the small, fixed file sets this spec ever produces.
	rootDir := make([]byte, sectorSize)
	off := 0
	off += writeDirRecord(rootDir[off:], "\x00", sectorRootDir, sectorSize, true)
	off += writeDirRecord(rootDir[off:], "\x01", sectorRootDir, sectorSize, true)
	for _, e := range extents {
		off += writeDirRecord(rootDir[off:], e.file.name8_3, e.lba, e.size, false)
	}
	if off > sectorSize {
		return fmt.Errorf("iso9660: root directory overflowed one sector (%d bytes)", off)
	}

	// Path tables: one entry, the root directory itself.
	pathTableL := make([]byte, sectorSize)
	pathTableM := make([]byte, sectorSize)
	writePathTableEntryL(pathTableL, sectorRootDir)
	writePathTableEntryM(pathTableM, sectorRootDir)
	pathTableSize := uint32(10) // single root entry, "\x00" identifier, padded to even

	pvd := buildPVD(volumeID, totalSectors, pathTableSize, rootDir)

	terminator := make([]byte, sectorSize)
	terminator[0] = 255 // volume descriptor set terminator type
	copy(terminator[1:6], "CD001")
	terminator[6] = 1

	// System area: sectors 0-15, all zero.
	for i := 0; i < 16; i++ {
		if _, err := w.WriteAt(make([]byte, sectorSize), int64(i)*sectorSize); err != nil {
			return fmt.Errorf("iso9660: write system area sector %d: %w", i, err)
		}
	}
	if _, err := w.WriteAt(pvd, sectorPVD*sectorSize); err != nil {
		return fmt.Errorf("iso9660: write PVD: %w", err)
	}
	if _, err := w.WriteAt(terminator, sectorTerminator*sectorSize); err != nil {
		return fmt.Errorf("iso9660: write terminator: %w", err)
	}
	if _, err := w.WriteAt(pathTableL, sectorPathTableL*sectorSize); err != nil {
		return fmt.Errorf("iso9660: write L path table: %w", err)
	}
	if _, err := w.WriteAt(pathTableM, sectorPathTableM*sectorSize); err != nil {
		return fmt.Errorf("iso9660: write M path table: %w", err)
	}
	if _, err := w.WriteAt(rootDir, sectorRootDir*sectorSize); err != nil {
		return fmt.Errorf("iso9660: write root directory: %w", err)
	}

	for _, e := range extents {
		padded := make([]byte, sectorsFor(e.size)*sectorSize)
		copy(padded, e.file.data)
		if _, err := w.WriteAt(padded, int64(e.lba)*sectorSize); err != nil {
			return fmt.Errorf("iso9660: write file %q: %w", e.file.name8_3, err)
		}
	}

	return nil
}

func sectorsFor(byteLen uint32) uint32 {
	if byteLen == 0 {
		return 1
	}
	return (byteLen + sectorSize - 1) / sectorSize
}

// putBoth32 writes a 32-bit value in both little- and big-endian order,
// the "both-endian" encoding ISO 9660 uses for most numeric fields.
func putBoth32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[0:4], v)
	binary.BigEndian.PutUint32(b[4:8], v)
}

// putBoth16 is putBoth32's 16-bit counterpart.
func putBoth16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b[0:2], v)
	binary.BigEndian.PutUint16(b[2:4], v)
}

// padA pads/truncates s to n bytes with ASCII spaces, the ISO 9660 filler
// character for fixed-width text fields.
func padA(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	if len(s) > n {
		copy(b, s[:n])
	}
	return b
}

// buildPVD constructs the 2048-byte Primary Volume Descriptor.
func buildPVD(volumeID string, totalSectors, pathTableSize uint32, rootDir []byte) []byte {
	b := make([]byte, sectorSize)

	b[0] = 1 // volume descriptor type: primary
	copy(b[1:6], "CD001")
	b[6] = 1 // version
	// b[7] unused, already zero

	copy(b[8:40], padA("", 32))       // system identifier
	copy(b[40:72], padA(volumeID, 32)) // volume identifier ("CIDATA" + spaces)

	putBoth32(b[80:88], totalSectors) // volume space size
	putBoth16(b[120:124], 1)          // volume set size
	putBoth16(b[124:128], 1)          // volume sequence number
	putBoth16(b[128:132], sectorSize) // logical block size
	putBoth32(b[132:140], pathTableSize)

	binary.LittleEndian.PutUint32(b[140:144], sectorPathTableL)
	binary.LittleEndian.PutUint32(b[144:148], 0)
	binary.BigEndian.PutUint32(b[148:152], sectorPathTableM)
	binary.BigEndian.PutUint32(b[152:156], 0)

	// Root directory record, embedded at offset 156, 34 bytes.
	copy(b[156:190], rootDir[0:34])

	copy(b[190:318], padA("", 128))  // volume set identifier
	copy(b[318:446], padA("", 128))  // publisher identifier
	copy(b[446:574], padA("", 128))  // data preparer identifier
	copy(b[574:702], padA("CARAPACEOS", 128)) // application identifier
	copy(b[702:739], padA("", 37))   // copyright file identifier
	copy(b[739:776], padA("", 37))   // abstract file identifier
	copy(b[776:813], padA("", 37))   // bibliographic file identifier

	writeUnspecifiedDateTime(b[813:830])  // volume creation
	writeUnspecifiedDateTime(b[830:847])  // volume modification
	writeUnspecifiedDateTime(b[847:864])  // volume expiration
	writeUnspecifiedDateTime(b[864:881])  // volume effective

	b[881] = 1 // file structure version
	// b[882] reserved, zero
	// application-used (883:1395) and reserved (1395:2048) left zero

	return b
}

// writeUnspecifiedDateTime fills the 17-byte ISO 9660 date-time field with
// the "not specified" form: 16 ASCII '0' digits followed by a zero GMT
// offset byte. Using a fixed value here (rather than time.Now) keeps the
// image byte-for-byte deterministic given identical inputs.
func writeUnspecifiedDateTime(b []byte) {
	for i := 0; i < 16; i++ {
		b[i] = '0'
	}
	b[16] = 0
}

// writeDirRecord writes one directory record into b and returns its length.
// name is either "\x00" (self), "\x01" (parent), or an 8.3-form identifier.
func writeDirRecord(b []byte, name string, lba, size uint32, isDir bool) int {
	idLen := len(name)
	recLen := 33 + idLen
	if recLen%2 == 1 {
		recLen++ // pad to even length
	}

	b[0] = byte(recLen)
	b[1] = 0 // extended attribute record length
	putBoth32(b[2:10], lba)
	putBoth32(b[10:18], size)
	// recording date and time: 7 bytes, left zero ("not specified") for
	// determinism, matching the PVD's fixed date-time fields.
	flags := byte(0)
	if isDir {
		flags = 2
	}
	b[25] = flags
	b[26] = 0 // file unit size
	b[27] = 0 // interleave gap size
	putBoth16(b[28:32], 1) // volume sequence number
	b[32] = byte(idLen)
	copy(b[33:33+idLen], name)

	return recLen
}

// writePathTableEntryL writes the single root-directory entry of the
// little-endian path table.
func writePathTableEntryL(b []byte, rootLBA uint32) {
	b[0] = 1 // length of directory identifier
	b[1] = 0 // extended attribute record length
	binary.LittleEndian.PutUint32(b[2:6], rootLBA)
	binary.LittleEndian.PutUint16(b[6:8], 1) // parent directory number
	b[8] = 0                                  // root identifier
	b[9] = 0                                  // padding to even length
}

// writePathTableEntryM is writePathTableEntryL's big-endian counterpart.
func writePathTableEntryM(b []byte, rootLBA uint32) {
	b[0] = 1
	b[1] = 0
	binary.BigEndian.PutUint32(b[2:6], rootLBA)
	binary.BigEndian.PutUint16(b[6:8], 1)
	b[8] = 0
	b[9] = 0
}
