package diskimage

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	bytesPerSector    = 512
	sectorsPerCluster = 8
	clusterSize       = bytesPerSector * sectorsPerCluster
	reservedSectors   = 32
	numFATs           = 2
	fatEOC            = 0x0FFFFFF8
	fatFree           = 0x00000000
	firstDataCluster  = 2
)

// fatFile is one file to place in the FAT32 image, named by its full path
// using '/' separators (e.g. "EFI/BOOT/BOOTX64.EFI"). Every path component
// must already be a valid 8.3 name.
type fatFile struct {
	path string
	data []byte
}

// fatNode is either a file or a directory built up while walking the
// caller's flat file list into a tree the FAT32 format can encode.
type fatNode struct {
	name     string
	isDir    bool
	data     []byte
	children []*fatNode
	cluster  uint32
}

func buildTree(files []fatFile) (*fatNode, error) {
	root := &fatNode{name: "", isDir: true}
	for _, f := range files {
		parts := strings.Split(f.path, "/")
		cur := root
		for i, part := range parts {
			last := i == len(parts)-1
			name, err := shortName(part)
			if err != nil {
				return nil, fmt.Errorf("diskimage: %s: %w", f.path, err)
			}
			var child *fatNode
			for _, c := range cur.children {
				if c.name == name {
					child = c
					break
				}
			}
			if child == nil {
				child = &fatNode{name: name, isDir: !last}
				cur.children = append(cur.children, child)
			}
			if last {
				child.data = f.data
			}
			cur = child
		}
	}
	return root, nil
}

// shortName validates and normalizes one path component into an 8.3 name;
// it does not attempt long-filename generation since every caller in this
// module only ever writes fixed, already-conformant names.
func shortName(part string) (string, error) {
	name := strings.ToUpper(part)
	base, ext, _ := strings.Cut(name, ".")
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return "", fmt.Errorf("not a valid 8.3 name: %q", part)
	}
	return name, nil
}

// fat83 renders name (as produced by shortName) into the fixed 11-byte
// directory-entry field, space-padded.
func fat83(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// clusterCount returns how many clusterSize-byte clusters n bytes needs,
// at least one even for an empty file/directory.
func clusterCount(n int) int {
	if n == 0 {
		return 1
	}
	return (n + clusterSize - 1) / clusterSize
}

// allocator hands out sequential FAT32 data clusters starting at
// firstDataCluster and records each allocation's chain in the FAT.
type allocator struct {
	next uint32
	fat  []uint32
}

func newAllocator(fatEntries int) *allocator {
	fat := make([]uint32, fatEntries)
	fat[0] = 0x0FFFFFF8
	fat[1] = 0x0FFFFFFF
	return &allocator{next: firstDataCluster, fat: fat}
}

func (a *allocator) alloc(clusters int) uint32 {
	first := a.next
	for i := 0; i < clusters; i++ {
		cur := a.next
		a.next++
		if i == clusters-1 {
			a.fat[cur] = fatEOC
		} else {
			a.fat[cur] = a.next
		}
	}
	return first
}

// assignClusters walks the tree depth-first, allocating cluster chains for
// every file and directory so that directory entries can reference their
// children's starting clusters.
func assignClusters(node *fatNode, alloc *allocator) {
	for _, child := range node.children {
		if child.isDir {
			assignClusters(child, alloc)
		} else {
			child.cluster = alloc.alloc(clusterCount(len(child.data)))
		}
	}
	// Directory contents (the 32-byte entries for its children) are laid
	// out after children are assigned so the entries can reference them.
	dirBytes := dirEntriesSize(node)
	node.cluster = alloc.alloc(clusterCount(dirBytes))
}

func dirEntriesSize(node *fatNode) int {
	entries := len(node.children) + 2 // "." and ".." are not written for root
	if node.name == "" {
		entries = len(node.children)
	}
	return entries * 32
}

// writeDirectory renders node's own directory entries (one per child).
func writeDirectory(node *fatNode) []byte {
	buf := make([]byte, clusterCount(dirEntriesSize(node))*clusterSize)
	off := 0
	for _, child := range node.children {
		entry := buf[off : off+32]
		name := fat83(child.name)
		copy(entry[0:11], name[:])
		if child.isDir {
			entry[11] = 0x10
		} else {
			entry[11] = 0x20
		}
		binary.LittleEndian.PutUint16(entry[20:22], uint16(child.cluster>>16))
		binary.LittleEndian.PutUint16(entry[26:28], uint16(child.cluster))
		if !child.isDir {
			binary.LittleEndian.PutUint32(entry[28:32], uint32(len(child.data)))
		}
		off += 32
	}
	return buf
}

// buildFAT32 assembles a complete FAT32 filesystem image sized to hold
// exactly files, padded out to totalSectors sectors.
func buildFAT32(files []fatFile, totalSectors uint64, volumeLabel string) ([]byte, error) {
	root, err := buildTree(files)
	if err != nil {
		return nil, err
	}

	dataSectors := totalSectors - reservedSectors
	fatEntries := int(dataSectors/sectorsPerCluster) + firstDataCluster + 16
	alloc := newAllocator(fatEntries)
	assignClusters(root, alloc)

	image := make([]byte, totalSectors*bytesPerSector)

	fatSectors := (len(alloc.fat)*4 + bytesPerSector - 1) / bytesPerSector
	writeBootSector(image, uint32(totalSectors), uint32(fatSectors), volumeLabel)
	writeFSInfo(image)
	copy(image[6*bytesPerSector:], image[:bytesPerSector*2]) // backup boot sector + FSInfo

	fatRegionStart := reservedSectors * bytesPerSector
	for i := 0; i < numFATs; i++ {
		base := fatRegionStart + i*fatSectors*bytesPerSector
		for c, v := range alloc.fat {
			binary.LittleEndian.PutUint32(image[base+c*4:base+c*4+4], v&0x0FFFFFFF)
		}
	}

	dataRegionStart := fatRegionStart + numFATs*fatSectors*bytesPerSector
	writeNode(image, dataRegionStart, root)

	return image, nil
}

func clusterOffset(dataRegionStart int, cluster uint32) int {
	return dataRegionStart + int(cluster-firstDataCluster)*clusterSize
}

func writeNode(image []byte, dataRegionStart int, node *fatNode) {
	for _, child := range node.children {
		if child.isDir {
			writeNode(image, dataRegionStart, child)
		} else {
			off := clusterOffset(dataRegionStart, child.cluster)
			copy(image[off:], child.data)
		}
	}
	dirBytes := writeDirectory(node)
	off := clusterOffset(dataRegionStart, node.cluster)
	copy(image[off:], dirBytes)
}

func writeBootSector(image []byte, totalSectors, fatSectors uint32, volumeLabel string) {
	b := image[:bytesPerSector]
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90
	copy(b[3:11], "KESTREL ")
	binary.LittleEndian.PutUint16(b[11:13], bytesPerSector)
	b[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], reservedSectors)
	b[16] = numFATs
	binary.LittleEndian.PutUint16(b[19:21], 0) // TotSec16 = 0, use TotSec32
	b[21] = 0xF8                               // fixed disk media
	binary.LittleEndian.PutUint16(b[24:26], 63) // SecPerTrk, conventional
	binary.LittleEndian.PutUint16(b[26:28], 255) // NumHeads
	binary.LittleEndian.PutUint32(b[32:36], totalSectors)
	binary.LittleEndian.PutUint32(b[36:40], fatSectors)
	binary.LittleEndian.PutUint32(b[44:48], firstDataCluster) // RootClus
	binary.LittleEndian.PutUint16(b[48:50], 1)                // FSInfo sector
	binary.LittleEndian.PutUint16(b[50:52], 6)                // backup boot sector
	b[64] = 0x80                                              // DrvNum
	b[66] = 0x29                                              // BootSig
	binary.LittleEndian.PutUint32(b[67:71], 0x12345678)       // VolID
	nameField := make([]byte, 11)
	for i := range nameField {
		nameField[i] = ' '
	}
	copy(nameField, strings.ToUpper(volumeLabel))
	copy(b[71:82], nameField)
	copy(b[82:90], "FAT32   ")
	b[510], b[511] = 0x55, 0xAA
}

func writeFSInfo(image []byte) {
	b := image[bytesPerSector : bytesPerSector*2]
	binary.LittleEndian.PutUint32(b[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(b[488:492], 0xFFFFFFFF) // free count unknown
	binary.LittleEndian.PutUint32(b[492:496], 0xFFFFFFFF) // next free unknown
	binary.LittleEndian.PutUint32(b[508:512], 0xAA550000)
}
