// Package placement decides whether a model already sits in the frame of the
// experimental data, cheapest evidence first.
package placement

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cell is a unit cell: lengths in Angstrom, angles in degrees.
type Cell struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

func (c Cell) String() string {
	return fmt.Sprintf("%.2f %.2f %.2f %.2f %.2f %.2f", c.A, c.B, c.C, c.Alpha, c.Beta, c.Gamma)
}

// Placeholder reports cells that carry no information: zero lengths or the
// conventional 1 1 1 written by predictors and model builders.
func (c Cell) Placeholder() bool {
	if c.A <= 0 || c.B <= 0 || c.C <= 0 {
		return true
	}
	return near(c.A, 1) && near(c.B, 1) && near(c.C, 1)
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-3 }

// Compatible compares all six parameters with a fractional tolerance.
func Compatible(a, b Cell, tol float64) bool {
	pairs := [][2]float64{
		{a.A, b.A}, {a.B, b.B}, {a.C, b.C},
		{a.Alpha, b.Alpha}, {a.Beta, b.Beta}, {a.Gamma, b.Gamma},
	}
	for _, p := range pairs {
		ref := math.Max(math.Abs(p[1]), 1e-6)
		if math.Abs(p[0]-p[1])/ref > tol {
			return false
		}
	}
	return true
}

var errNoCell = errors.New("no unit cell found")

// ReadCells returns the candidate cells of a file. Maps report the full
// reconstruction cell and, when it differs, the cell of the boxed region
// actually stored.
func ReadCells(path string) ([]Cell, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdb", ".ent":
		c, err := readPDBCell(path)
		return []Cell{c}, err
	case ".cif", ".mmcif":
		c, err := readCIFCell(path)
		return []Cell{c}, err
	case ".mtz":
		c, err := readMTZCell(path)
		return []Cell{c}, err
	case ".mrc", ".ccp4", ".map":
		return readMapCells(path)
	default:
		return nil, fmt.Errorf("%s: unsupported format", path)
	}
}

func readPDBCell(path string) (Cell, error) {
	f, err := os.Open(path)
	if err != nil {
		return Cell{}, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "CRYST1") {
			continue
		}
		if c, err := parseCryst1Columns(line); err == nil {
			return c, nil
		}
		return parseCellFields(strings.Fields(line)[1:])
	}
	if err := sc.Err(); err != nil {
		return Cell{}, err
	}
	return Cell{}, errNoCell
}

// parseCryst1Columns reads the fixed-column CRYST1 layout.
func parseCryst1Columns(line string) (Cell, error) {
	if len(line) < 54 {
		return Cell{}, errNoCell
	}
	cols := [][2]int{{6, 15}, {15, 24}, {24, 33}, {33, 40}, {40, 47}, {47, 54}}
	vals := make([]float64, 6)
	for i, c := range cols {
		v, err := strconv.ParseFloat(strings.TrimSpace(line[c[0]:c[1]]), 64)
		if err != nil {
			return Cell{}, err
		}
		vals[i] = v
	}
	return Cell{vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]}, nil
}

func parseCellFields(fields []string) (Cell, error) {
	if len(fields) < 6 {
		return Cell{}, errNoCell
	}
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Cell{}, err
		}
		vals[i] = v
	}
	return Cell{vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]}, nil
}

var cifCellKeys = []string{
	"_cell.length_a", "_cell.length_b", "_cell.length_c",
	"_cell.angle_alpha", "_cell.angle_beta", "_cell.angle_gamma",
}

func readCIFCell(path string) (Cell, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Cell{}, err
	}
	found := map[string]float64{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		for _, k := range cifCellKeys {
			if fields[0] == k {
				// Standard uncertainties are written as 50.12(3).
				raw := fields[1]
				if i := strings.IndexByte(raw, '('); i > 0 {
					raw = raw[:i]
				}
				if v, err := strconv.ParseFloat(raw, 64); err == nil {
					found[k] = v
				}
			}
		}
	}
	if len(found) < len(cifCellKeys) {
		return Cell{}, errNoCell
	}
	return Cell{
		found[cifCellKeys[0]], found[cifCellKeys[1]], found[cifCellKeys[2]],
		found[cifCellKeys[3]], found[cifCellKeys[4]], found[cifCellKeys[5]],
	}, nil
}

// readMTZCell reads the CELL record of the MTZ header. The word at byte 4
// locates the header (1-based, in 4-byte words); the header is a run of
// 80-byte ASCII records ending with END.
func readMTZCell(path string) (Cell, error) {
	f, err := os.Open(path)
	if err != nil {
		return Cell{}, err
	}
	defer f.Close()
	var prefix [12]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return Cell{}, err
	}
	if string(prefix[0:4]) != "MTZ " {
		return Cell{}, fmt.Errorf("%s: not an MTZ file", path)
	}
	order := mtzByteOrder(prefix[8:12])
	word := int64(int32(order.Uint32(prefix[4:8])))
	st, err := f.Stat()
	if err != nil {
		return Cell{}, err
	}
	off := (word - 1) * 4
	if word <= 0 || off >= st.Size() {
		return Cell{}, fmt.Errorf("%s: bad header offset %d", path, word)
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return Cell{}, err
	}
	rec := make([]byte, 80)
	var dcell *Cell
	for {
		if _, err := io.ReadFull(f, rec); err != nil {
			break
		}
		line := strings.TrimSpace(string(rec))
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "CELL":
			return parseCellFields(fields[1:])
		case "DCELL":
			// DCELL carries a dataset id before the cell.
			if len(fields) >= 8 && dcell == nil {
				if c, err := parseCellFields(fields[2:]); err == nil && !c.Placeholder() {
					dcell = &c
				}
			}
		case "END", "MTZENDOFHEADERS":
			if dcell != nil {
				return *dcell, nil
			}
			return Cell{}, errNoCell
		}
	}
	if dcell != nil {
		return *dcell, nil
	}
	return Cell{}, errNoCell
}

// mtzByteOrder decodes the machine stamp: 0x4 in the high nibble of the
// first byte means little-endian IEEE, 0x1 big-endian.
func mtzByteOrder(stamp []byte) binary.ByteOrder {
	if len(stamp) > 0 && stamp[0]>>4 == 0x1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

const mrcHeaderSize = 1024

// readMapCells reads the 1024-byte MRC/CCP4 header. Words 1-3 are the
// stored grid size, words 8-10 the grid sampling of the full cell, words
// 11-16 the full cell.
func readMapCells(path string) ([]Cell, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hdr := make([]byte, mrcHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, err
	}
	order := mrcByteOrder(hdr)
	i32 := func(word int) float64 { return float64(int32(order.Uint32(hdr[(word-1)*4:]))) }
	f32 := func(word int) float64 {
		return float64(math.Float32frombits(order.Uint32(hdr[(word-1)*4:])))
	}
	nx, ny, nz := i32(1), i32(2), i32(3)
	mx, my, mz := i32(8), i32(9), i32(10)
	full := Cell{f32(11), f32(12), f32(13), f32(14), f32(15), f32(16)}
	if full.Placeholder() || math.IsNaN(full.A) {
		return nil, errNoCell
	}
	cells := []Cell{full}
	if mx > 0 && my > 0 && mz > 0 && nx > 0 && ny > 0 && nz > 0 && (nx != mx || ny != my || nz != mz) {
		cells = append(cells, Cell{
			A: full.A * nx / mx, B: full.B * ny / my, C: full.C * nz / mz,
			Alpha: full.Alpha, Beta: full.Beta, Gamma: full.Gamma,
		})
	}
	return cells, nil
}

// mrcByteOrder reads the MACHST stamp at word 54; big-endian files start it
// with 0x11.
func mrcByteOrder(hdr []byte) binary.ByteOrder {
	if len(hdr) >= 213 && hdr[212] == 0x11 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
