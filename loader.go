package hero

import (
	"go.uber.org/zap"
)

// DefaultOverlayBase is the address the device linker places the L3 overlay at. Segments starting there are backing
// store which the device pages in itself, they are not written at load time.
const DefaultOverlayBase = 0x80000000

// LoadOptions tune LoadSegments.
type LoadOptions struct {
	// OverlayBase is the start of the non-resident overlay region, DefaultOverlayBase if zero
	OverlayBase uint64
	Logger      *zap.Logger
}

// Placement describes where a segment was written.
type Placement struct {
	Segment  Segment
	Aperture string
	// Offset of the segment into the aperture
	Offset uint32
	// Written is the number of file bytes copied
	Written uint64
	// Zeroed is the number of bytes past the file bytes which were cleared
	Zeroed uint64
}

// LoadReport is the result of a successful LoadSegments call.
type LoadReport struct {
	Placements []Placement
	Skipped    []Segment
}

// LoadSegments writes the loadable segments of `c` into the apertures of `table`. Every segment must fit entirely
// within one aperture. All segments are placed before the first byte is written, so a segment without a home
// leaves device memory untouched. Writes are word granular: the in-memory extent is cleared first, then the file
// bytes are copied over it.
//
// If an error is returned after writing started, device memory is in an undefined state and the load has to be
// discarded as a whole.
func LoadSegments(c *Container, table *ApertureTable, opts LoadOptions) (LoadReport, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	overlay := opts.OverlayBase
	if overlay == 0 {
		overlay = DefaultOverlayBase
	}

	var report LoadReport
	apertures := make([]Aperture, 0, len(c.Segments))

	// 1. Plan, find an aperture for every segment
	for _, seg := range c.Segments {
		if !seg.Loadable() {
			log.Debug("skipping segment, not loadable",
				zap.Uint64("vaddr", seg.Vaddr), zap.Stringer("type", seg.Type))
			report.Skipped = append(report.Skipped, seg)
			continue
		}

		if seg.Vaddr == overlay {
			log.Debug("skipping segment, it is in the overlay region", zap.Uint64("vaddr", seg.Vaddr))
			report.Skipped = append(report.Skipped, seg)
			continue
		}

		if seg.Vaddr%WordSize != 0 {
			return LoadReport{}, &Error{
				Kind:    KindUnmappedSegment,
				Addr:    seg.Vaddr,
				message: "segment is not word aligned",
			}
		}

		ap, err := table.Find(seg.Vaddr, wordAlign(seg.Memsz))
		if err != nil {
			return LoadReport{}, &Error{Kind: KindNoApertureForSegment, Addr: seg.Vaddr, Err: err}
		}

		apertures = append(apertures, ap)
		report.Placements = append(report.Placements, Placement{
			Segment:  seg,
			Aperture: ap.Name,
			Offset:   uint32(seg.Vaddr - ap.Base),
			Written:  seg.Filesz,
			Zeroed:   seg.Memsz - seg.Filesz,
		})
	}

	if len(report.Placements) == 0 {
		return LoadReport{}, &Error{Kind: KindUnmappedSegment, message: "image has no segment to load"}
	}

	// 2. Write
	for i, p := range report.Placements {
		mem := apertures[i].Memory

		log.Debug("writing segment",
			zap.String("aperture", p.Aperture),
			zap.Uint64("vaddr", p.Segment.Vaddr),
			zap.Uint64("memsz", p.Segment.Memsz),
			zap.Uint64("filesz", p.Segment.Filesz),
		)

		if err := zeroWords(mem, p.Offset, p.Segment.Memsz); err != nil {
			return LoadReport{}, &Error{Kind: KindUnmappedSegment, Addr: p.Segment.Vaddr, Err: err, message: "clear"}
		}
		if err := storeWords(mem, p.Offset, c.FileBytes(p.Segment)); err != nil {
			return LoadReport{}, &Error{Kind: KindUnmappedSegment, Addr: p.Segment.Vaddr, Err: err, message: "copy"}
		}
	}

	return report, nil
}
