package segment

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// State file layout, little-endian:
//
//	u32 magic "SEGI", u32 version, i64 file size, u32 segment count,
//	then per segment: i32 id, i64 start, i64 end, i64 cursor, u8 status.
const (
	stateMagic   uint32 = 0x53454749
	stateVersion uint32 = 1
)

const (
	stateStatusPending  uint8 = 0
	stateStatusActive   uint8 = 1
	stateStatusComplete uint8 = 2
	stateStatusError    uint8 = 3
)

// SaveState writes the segment map to the .seg file for crash recovery.
func (p *Planner) SaveState(path string) error {
	p.mu.Lock()
	fileSize := p.fileSize
	type rec struct {
		id                 int32
		start, end, cursor int64
		status             uint8
	}
	records := make([]rec, 0, len(p.segments))
	for _, seg := range p.segments {
		var status uint8
		switch seg.Status {
		case StatusActive:
			status = stateStatusActive
		case StatusComplete:
			status = stateStatusComplete
		case StatusError:
			status = stateStatusError
		default:
			status = stateStatusPending
		}
		records = append(records, rec{int32(seg.ID), seg.Start, seg.End, seg.Cursor, status})
	}
	p.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating state file: %v", err)
	}
	defer f.Close()

	for _, v := range []any{stateMagic, stateVersion, fileSize, uint32(len(records))} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("error writing state header: %v", err)
		}
	}
	for _, r := range records {
		for _, v := range []any{r.id, r.start, r.end, r.cursor, r.status} {
			if err := binary.Write(f, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("error writing segment record: %v", err)
			}
		}
	}
	return f.Sync()
}

// LoadStateFromFile replaces the segment map with the contents of a .seg
// file. Active and errored segments come back as Pending; no worker
// assignment survives a restart.
func (p *Planner) LoadStateFromFile(path string, maxWorkers int, minSegmentSize int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening state file: %v", err)
	}
	defer f.Close()

	var magic, version, count uint32
	var fileSize int64
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("error reading state header: %v", err)
	}
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("error reading state header: %v", err)
	}
	if magic != stateMagic || version != stateVersion {
		return fmt.Errorf("unrecognized state file format (magic %#x, version %d)", magic, version)
	}
	if err := binary.Read(f, binary.LittleEndian, &fileSize); err != nil {
		return fmt.Errorf("error reading state header: %v", err)
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("error reading state header: %v", err)
	}
	if count == 0 {
		return fmt.Errorf("state file %s has no segments", path)
	}

	snapshots := make([]Snapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		var id int32
		var start, end, cursor int64
		var status uint8
		if err := binary.Read(f, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("error reading segment record: %v", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &start); err != nil {
			return fmt.Errorf("error reading segment record: %v", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &end); err != nil {
			return fmt.Errorf("error reading segment record: %v", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &cursor); err != nil {
			return fmt.Errorf("error reading segment record: %v", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &status); err != nil {
			return fmt.Errorf("error reading segment record: %v", err)
		}
		snapshots = append(snapshots, Snapshot{
			ID:         int(id),
			Start:      start,
			End:        end,
			Downloaded: cursor - start,
			Worker:     -1,
			Complete:   status == stateStatusComplete,
		})
	}

	p.Restore(snapshots, fileSize, maxWorkers, minSegmentSize)
	log := utils.GetLogger("planner")
	log.Debug().Str("path", path).Uint32("segments", count).Msg("Loaded segment state")
	return nil
}
