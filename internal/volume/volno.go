package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

var errInvalidVolno = errors.New("contains invalid volume number")

// readVolno returns the global volume number stored in path, or 1 when
// the file does not exist.
func readVolno(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, &VolnoError{Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, &VolnoError{Path: path, Err: err}
		}
		return 0, &VolnoError{Path: path, Err: errInvalidVolno}
	}
	n, err := strconv.ParseInt(sc.Text(), 10, 64)
	if err != nil || n < 0 {
		return 0, &VolnoError{Path: path, Err: errInvalidVolno}
	}
	return n, nil
}

// writeVolno stores the global volume number in path.
func writeVolno(path string, n int64) error {
	if err := os.WriteFile(path, fmt.Appendf(nil, "%d\n", n), 0o666); err != nil {
		return &VolnoError{Path: path, Err: err}
	}
	return nil
}
