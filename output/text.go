// Package output writes ensemble state to external sinks: the plain-text
// dump and a SQLite trace store.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sbl8/gwmc/core"
)

// textPrecision is the number of decimals written per coordinate.
const textPrecision = 6

// WriteText writes every walker of e in index order. Each walker is a block
// of NDim lines, one coordinate per line, each terminated by a comma.
func WriteText(w io.Writer, e *core.Ensemble) error {
	if e.Freed() {
		return core.ErrFreed
	}
	bw := bufio.NewWriter(w)
	line := make([]byte, 0, 32)
	for i := 0; i < e.NWalkers(); i++ {
		for _, v := range e.Walker(i) {
			line = strconv.AppendFloat(line[:0], v, 'f', textPrecision, 64)
			line = append(line, ',', '\n')
			if _, err := bw.Write(line); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteTextFile writes e to path with WriteText, replacing any existing file.
func WriteTextFile(path string, e *core.Ensemble) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteText(f, e); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
