package files

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
)

type Verdict string

const (
	VerdictNone          Verdict = ""
	VerdictSmallMolecule Verdict = "small_molecule"
	VerdictProtein       Verdict = "protein"
)

// SniffResult counts coordinate records in the head of a file.
type SniffResult struct {
	Atom    int     `json:"atom"`
	Hetatm  int     `json:"hetatm"`
	Verdict Verdict `json:"verdict,omitempty"`
}

func (s SniffResult) Total() int { return s.Atom + s.Hetatm }

// SniffFile reads at most prefixBytes of path and counts ATOM/HETATM
// records. Files with no more than maxSmall records are small molecules
// whatever the record mix; larger files with an ATOM majority are protein.
func SniffFile(path string, prefixBytes, maxSmall int) (SniffResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return SniffResult{}, err
	}
	defer f.Close()
	var r io.Reader = f
	if prefixBytes > 0 {
		r = io.LimitReader(f, int64(prefixBytes))
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return SniffResult{}, err
	}
	return SniffBytes(b, maxSmall), nil
}

func SniffBytes(b []byte, maxSmall int) SniffResult {
	var res SniffResult
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		switch recordKind(sc.Text()) {
		case "ATOM":
			res.Atom++
		case "HETATM":
			res.Hetatm++
		}
	}
	total := res.Total()
	switch {
	case total == 0:
		res.Verdict = VerdictNone
	case total <= maxSmall:
		res.Verdict = VerdictSmallMolecule
	case res.Atom*2 > total:
		res.Verdict = VerdictProtein
	}
	return res
}

func recordKind(line string) string {
	if strings.HasPrefix(line, "HETATM") {
		return "HETATM"
	}
	if !strings.HasPrefix(line, "ATOM") {
		return ""
	}
	if len(line) == 4 {
		return "ATOM"
	}
	c := line[4]
	if c == ' ' || c == '\t' || (c >= '0' && c <= '9') {
		return "ATOM"
	}
	return ""
}
