package volume

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
)

const (
	keyVolumeLabel    = "GNU.volume.label"
	keyVolumeFilename = "GNU.volume.filename"
	keyVolumeSize     = "GNU.volume.size"
	keyVolumeOffset   = "GNU.volume.offset"
)

// volumeLabel is the label written on the current volume.
func (s *Session) volumeLabel() string {
	if s.opts.MultiVolume {
		return fmt.Sprintf("%s Volume %d", s.opts.Label, s.volno)
	}
	return s.opts.Label
}

// writeVolumeLabel marks the start of a new archive with the label.
func (s *Session) writeVolumeLabel() error {
	w := s.Writer()
	if err := w.WriteVolumeLabel(s.volumeLabel(), s.start); err != nil {
		return err
	}
	return w.WriteExtended(true, "")
}

// matchVolumeLabel checks the label of the first volume against the
// Label pattern. The label block is looked at, not consumed.
func (s *Session) matchVolumeLabel() error {
	if s.label == "" {
		b, err := s.Next()
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if err == nil {
			blk := b.Bytes()
			switch blk[tarhdr.FieldTypeflag.Off] {
			case tarhdr.TypeVolHdr:
				s.label = tarhdr.String(blk, tarhdr.FieldName)
			case tarhdr.TypeXGlobal:
				s.label = globalLabel(s.AvailableAfter(b), b)
			}
		}
	}
	if s.label == "" {
		return fmt.Errorf("%w: archive not labeled to match %q", ErrLabelMismatch, s.opts.Label)
	}
	if !s.checkLabelPattern(s.label) {
		return fmt.Errorf("%w: volume %q does not match %q", ErrLabelMismatch, s.label, s.opts.Label)
	}
	return nil
}

// globalLabel returns the GNU.volume.label record of the global extended
// header starting at b. Only data held in the current record is looked
// at.
func globalLabel(avail int, b record.Block) string {
	blk := b.Bytes()
	size, err := tarhdr.Numeric(blk, tarhdr.FieldSize)
	if err != nil || size <= 0 || size > int64(avail-record.BlockSize) {
		return ""
	}
	data := b.Tail()[record.BlockSize : record.BlockSize+int(size)]
	recs, err := tarhdr.ParseRecords(data)
	if err != nil {
		return ""
	}
	var label string
	for _, r := range recs {
		if r.Key == keyVolumeLabel {
			label = r.Value
		}
	}
	return label
}

// checkLabelPattern matches label against the Label glob. In
// multi-volume mode a label carrying a " Volume N" suffix is retried
// without it.
func (s *Session) checkLabelPattern(label string) bool {
	if ok, _ := path.Match(s.opts.Label, label); ok {
		return true
	}
	if !s.opts.MultiVolume {
		return false
	}
	base, ok := dropVolumeLabelSuffix(label)
	if !ok {
		return false
	}
	match, _ := path.Match(s.opts.Label, base)
	return match
}

// dropVolumeLabelSuffix strips a trailing " Volume N" from label.
func dropVolumeLabelSuffix(label string) (string, bool) {
	const volumeText = " Volume "
	prefix := strings.TrimRight(label, "0123456789")
	base, ok := strings.CutSuffix(prefix, volumeText)
	if !ok {
		return "", false
	}
	return base, true
}
