package command

import (
	"strconv"
	"strings"
)

// ValidSpaceGroup accepts space-group numbers 1-230 and Hermann-Mauguin
// style symbols: a lattice letter followed by rotation/screw digits, glide
// and mirror letters, bars, slashes, parentheses and an optional :setting.
// English words are rejected because they carry runs of letters that no
// symbol has.
func ValidSpaceGroup(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 24 {
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n >= 1 && n <= 230
	}
	compact := strings.ReplaceAll(s, " ", "")
	setting := ""
	if i := strings.IndexByte(compact, ':'); i >= 0 {
		setting = compact[i+1:]
		compact = compact[:i]
		switch strings.ToUpper(setting) {
		case "H", "R", "1", "2":
		default:
			return false
		}
	}
	if len(compact) < 2 {
		return false
	}
	switch compact[0] {
	case 'P', 'A', 'B', 'C', 'F', 'I', 'R', 'H', 'p', 'a', 'b', 'c', 'f', 'i', 'r', 'h':
	default:
		return false
	}
	run := 0
	digits := 0
	for _, r := range compact[1:] {
		switch {
		case r >= '0' && r <= '9':
			digits++
			run = 0
		case strings.ContainsRune("abcdemnABCDEMN", r):
			run++
			if run >= 4 {
				return false
			}
		case strings.ContainsRune("-/()_", r):
			run = 0
		default:
			return false
		}
	}
	// Symbols without a rotation digit are the orthorhombic glide/mirror
	// ones: an upper-case lattice and exactly three letters (Pnma, Cmcm).
	if digits > 0 {
		return true
	}
	return len(compact) == 4 && compact[0] >= 'A' && compact[0] <= 'Z'
}

// ValidUnitCell accepts six positive numbers: lengths above placeholder
// size and angles strictly between 0 and 180 degrees.
func ValidUnitCell(s string) bool {
	fields := strings.FieldsFunc(strings.Trim(strings.TrimSpace(s), "()"), func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	if len(fields) != 6 {
		return false
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return false
		}
		if i < 3 && v <= 1.5 {
			return false
		}
		if i >= 3 && (v <= 0 || v >= 180) {
			return false
		}
	}
	return true
}

// NormalizeUnitCell rewrites separators to single spaces.
func NormalizeUnitCell(s string) string {
	fields := strings.FieldsFunc(strings.Trim(strings.TrimSpace(s), "()"), func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	return strings.Join(fields, " ")
}
