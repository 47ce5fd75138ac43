//go:build !linux && !darwin

package sparse

import "errors"

var errNoSeekHole = errors.New("SEEK_DATA/SEEK_HOLE not supported")

func seekData(uintptr, int64) (int64, error) { return 0, errNoSeekHole }

func seekHole(uintptr, int64) (int64, error) { return 0, errNoSeekHole }

func isENXIO(error) bool { return false }

func isUnsupported(err error) bool { return errors.Is(err, errNoSeekHole) }
