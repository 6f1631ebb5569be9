package kernelload

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// Field offsets within the Linux/x86 boot protocol setup header, relative
// to the start of the image, ported verbatim from the teacher's
// internal/linux/boot/amd64/offsets.go (itself derived from the kernel's
// Documentation/x86/boot.rst layout).
const (
	setupHeaderOffset = 497

	bootFlagOffset        = 510 // setup_header_offset + 13
	headerMagicFieldOff   = 514 // setup_header_offset + 17, "HdrS"
	setupSectsOffset      = 0x1F1
	protocolVersionOffset = setupHeaderOffset + 21
	typeOfLoaderOffset    = setupHeaderOffset + 31
	loadFlagsOffset       = setupHeaderOffset + 32
	code32StartOffset     = setupHeaderOffset + 35
	ramdiskImageOffset    = setupHeaderOffset + 39
	ramdiskSizeOffset     = setupHeaderOffset + 43
	heapEndPtrOffset      = setupHeaderOffset + 51
	cmdLinePtrOffset      = setupHeaderOffset + 55
	vidModeOffset         = 0x1FA
	rootDevOffset         = 0x1FC
	prefAddressOffset     = setupHeaderOffset + 103
	initSizeOffset        = setupHeaderOffset + 111

	minProtocolVersion = 0x20C

	loadFlagLoadHigh = 0x01
)

// LinuxSetupHeader carries the fields of the Linux/x86 boot header the
// zero-page synthesizer needs to reproduce into boot_params.
type LinuxSetupHeader struct {
	ProtocolVersion uint16
	SetupSects      uint8
	LoadFlags       uint8
	Code32Start     uint32
	RamdiskImage    uint32
	RamdiskSize     uint32
	HeapEndPtr      uint16
	CmdLinePtr      uint32
	PrefAddress     uint64
	InitSize        uint32
	HeaderBytes     []byte // raw setup_header bytes, copied verbatim into boot_params
}

// sniffLinuxX86 recognizes the Linux/x86 boot protocol: boot_flag=0xAA55 at
// offset 510 and the "HdrS" magic at offset 514, protocol version >= 2.12
// (0x20C), required for the loader to trust the 64-bit entry/init_size
// fields it relies on.
func sniffLinuxX86(data []byte) (*KernelImage, error) {
	if len(data) < initSizeOffset+4 {
		return nil, fmt.Errorf("image too small for Linux/x86 header")
	}
	if le16(data[bootFlagOffset:bootFlagOffset+2]) != 0xAA55 {
		return nil, fmt.Errorf("missing boot_flag 0xAA55")
	}
	if string(data[headerMagicFieldOff:headerMagicFieldOff+4]) != "HdrS" {
		return nil, fmt.Errorf("missing HdrS magic")
	}

	protocolVersion := le16(data[protocolVersionOffset : protocolVersionOffset+2])
	if protocolVersion < minProtocolVersion {
		return nil, fmt.Errorf("%w: Linux boot protocol %#x below minimum %#x", bootctx.ErrUnsupportedKernel, protocolVersion, minProtocolVersion)
	}

	setupSects := data[setupSectsOffset]
	if setupSects == 0 {
		setupSects = 4
	}

	hdr := &LinuxSetupHeader{
		ProtocolVersion: protocolVersion,
		SetupSects:      setupSects,
		LoadFlags:       data[loadFlagsOffset],
		Code32Start:     le32(data[code32StartOffset : code32StartOffset+4]),
		RamdiskImage:    le32(data[ramdiskImageOffset : ramdiskImageOffset+4]),
		RamdiskSize:     le32(data[ramdiskSizeOffset : ramdiskSizeOffset+4]),
		HeapEndPtr:      le16(data[heapEndPtrOffset : heapEndPtrOffset+2]),
		CmdLinePtr:      le32(data[cmdLinePtrOffset : cmdLinePtrOffset+4]),
		PrefAddress:     le64(data[prefAddressOffset : prefAddressOffset+8]),
		InitSize:        le32(data[initSizeOffset : initSizeOffset+4]),
	}

	prefAddress := hdr.PrefAddress
	if prefAddress == 0 {
		if hdr.LoadFlags&loadFlagLoadHigh != 0 {
			prefAddress = 0x100000
		} else {
			prefAddress = 0x10000
		}
	}

	fileOffset := uint64(setupSects+1) * 512
	if fileOffset > uint64(len(data)) {
		return nil, fmt.Errorf("setup_sects payload offset exceeds image size")
	}
	payloadSize := uint64(len(data)) - fileOffset
	if prefAddress+payloadSize > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: pref_address + file_size exceeds 32-bit physical range", bootctx.ErrUnsupportedKernel)
	}

	headerEnd := setupHeaderOffset + int(data[0x201])
	if headerEnd > len(data) {
		headerEnd = len(data)
	}
	if headerEnd > setupHeaderOffset {
		hdr.HeaderBytes = append([]byte(nil), data[setupHeaderOffset:headerEnd]...)
	}

	memSize := payloadSize
	if uint64(hdr.InitSize) > memSize {
		memSize = uint64(hdr.InitSize)
	}

	return &KernelImage{
		Mode:        ModeLinux,
		Arch:        "x86",
		EntryPoint:  prefAddress + 512,
		LinuxHeader: hdr,
		Segments: []Segment{{
			Phys:         prefAddress,
			FileSize:     payloadSize,
			MemSize:      memSize,
			SourceOffset: fileOffset,
		}},
	}, nil
}
