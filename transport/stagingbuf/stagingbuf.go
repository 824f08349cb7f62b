// Package stagingbuf implements the pinned host staging buffer every
// BlockTransport backend copies through: buffer_blocks * layers * 2 *
// block_elements bytes, locked into RAM with mlock so a page fault never
// stalls an in-flight transfer.
package stagingbuf

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvidia/kvfleet/internal/nlog"
)

const kvSidesPerLayer = 2 // key + value

type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool

	bufferBlocks  int
	numLayers     int
	blockElements int
}

// New allocates and mlocks a staging buffer sized for bufferBlocks
// blocks across numLayers with blockElements bytes per (layer, side,
// block). If mlock fails (commonly RLIMIT_MEMLOCK on unprivileged
// hosts) the buffer is still usable, just not pinned; callers only rely
// on "no page fault mid-transfer" as a performance property, not
// correctness.
func New(bufferBlocks, numLayers, blockElements int) *Buffer {
	size := bufferBlocks * numLayers * kvSidesPerLayer * blockElements
	b := &Buffer{
		data:          make([]byte, size),
		bufferBlocks:  bufferBlocks,
		numLayers:     numLayers,
		blockElements: blockElements,
	}
	if size > 0 {
		if err := unix.Mlock(b.data); err != nil {
			nlog.Warningln("stagingbuf: mlock failed, continuing unpinned:", err)
		} else {
			b.locked = true
		}
	}
	return b
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			return err
		}
		b.locked = false
	}
	return nil
}

func (b *Buffer) Locked() bool { return b.locked }

// Slice returns the byte range of the buffer holding block slot i of
// layer on the given side (0=key, 1=value).
func (b *Buffer) Slice(slot, layer, side int) ([]byte, error) {
	if slot < 0 || slot >= b.bufferBlocks {
		return nil, fmt.Errorf("stagingbuf: slot %d out of range [0,%d)", slot, b.bufferBlocks)
	}
	if layer < 0 || layer >= b.numLayers {
		return nil, fmt.Errorf("stagingbuf: layer %d out of range [0,%d)", layer, b.numLayers)
	}
	if side < 0 || side >= kvSidesPerLayer {
		return nil, fmt.Errorf("stagingbuf: side %d out of range [0,%d)", side, kvSidesPerLayer)
	}
	idx := ((slot*b.numLayers+layer)*kvSidesPerLayer + side) * b.blockElements
	return b.data[idx : idx+b.blockElements], nil
}

func (b *Buffer) BufferBlocks() int { return b.bufferBlocks }
