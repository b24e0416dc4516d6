package norflash

import "encoding/binary"

// SectorSize is the size of a logical and of a physical sector.
const SectorSize = 512

const (
	wordsPerSector = SectorSize / 4

	// MinSectorsPerBlock and MaxSectorsPerBlock bound the block geometry.
	// Sector 0 of every block holds the block metadata, so the upper bound
	// is what still lets the bitmap and one mapping word per sector fit
	// into it.
	MinSectorsPerBlock = 2
	MaxSectorsPerBlock = 122

	metaEraseCount = 0
	metaMinLogical = 1
	metaMaxLogical = 2
	metaBitmap     = 3

	erased uint32 = 0xFFFFFFFF
)

// Mapping word layout. An erased word is a free sector; programming can
// only clear bits, so each state change clears one more flag.
const (
	mapLogical    uint32 = 1<<29 - 1
	mapIncomplete uint32 = 1 << 29 // cleared once the data is written
	mapLive       uint32 = 1 << 30 // cleared when superseded
	mapValid      uint32 = 1 << 31

	mapFree = erased
)

type slotState uint8

const (
	slotFree slotState = iota
	slotIncomplete
	slotLive
	slotObsolete
)

func decodeMapping(w uint32) (slotState, uint32) {
	switch {
	case w == mapFree:
		return slotFree, 0
	case w&mapValid == 0 || w&mapLive == 0:
		return slotObsolete, 0
	case w&mapIncomplete != 0:
		return slotIncomplete, w & mapLogical
	default:
		return slotLive, w & mapLogical
	}
}

func pendingMapping(logical uint32) uint32 {
	return mapValid | mapLive | mapIncomplete | logical&mapLogical
}

// geometry describes where things live inside a block.
type geometry struct {
	base       uint32
	blockBytes uint32
	blocks     int
	usable     int // data sectors per block
	bitmapLen  int // words
}

func newGeometry(base uint32, sectorsPerBlock, blocks int) geometry {
	usable := sectorsPerBlock - 1
	return geometry{
		base:       base,
		blockBytes: uint32(sectorsPerBlock) * SectorSize,
		blocks:     blocks,
		usable:     usable,
		bitmapLen:  (usable-1)/32 + 1,
	}
}

func (g geometry) blockAddr(b int) uint32 {
	return g.base + uint32(b)*g.blockBytes
}

func (g geometry) metaWordAddr(b, word int) uint32 {
	return g.blockAddr(b) + uint32(word)*4
}

func (g geometry) bitmapAddr(b, s int) (addr uint32, bit uint32) {
	return g.metaWordAddr(b, metaBitmap+s/32), 1 << uint(s%32)
}

func (g geometry) mappingAddr(b, s int) uint32 {
	return g.metaWordAddr(b, metaBitmap+g.bitmapLen+s)
}

func (g geometry) sectorAddr(b, s int) uint32 {
	return g.blockAddr(b) + uint32(s+1)*SectorSize
}

// fits reports whether the metadata of a block fits into its first sector.
func (g geometry) fits() bool {
	return metaBitmap+g.bitmapLen+g.usable <= wordsPerSector
}

func word(meta []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(meta[i*4:])
}
