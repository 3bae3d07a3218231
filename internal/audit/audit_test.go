package audit

import (
	"math"
	"strings"
	"testing"
)

const sampleLine = "c^c8*f^f10237121819548268936:23365229:1:0.0220863@0\t" +
	"a^a3426538138935958091*e^e115:1296634:0.2:0.0987504@0"

func TestParseLine(t *testing.T) {
	rec, err := ParseLine(sampleLine)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}

	if len(rec.Contributions) != 2 {
		t.Fatalf("got %d contributions, want 2", len(rec.Contributions))
	}

	first := rec.Contributions[0]
	if first.Namespace != "c" {
		t.Errorf("Namespace = %q, want c", first.Namespace)
	}
	if first.Name != "c8*f^f10237121819548268936" {
		t.Errorf("Name = %q", first.Name)
	}
	if first.HashIndex != 23365229 {
		t.Errorf("HashIndex = %d, want 23365229", first.HashIndex)
	}
	if first.Value != 1 {
		t.Errorf("Value = %v, want 1", first.Value)
	}
	if first.Weight != 0.0220863 {
		t.Errorf("Weight = %v, want 0.0220863", first.Weight)
	}
	if !first.HasSSGrad || first.SSGrad != 0 {
		t.Errorf("SSGrad = %v/%v, want 0/true", first.SSGrad, first.HasSSGrad)
	}

	second := rec.Contributions[1]
	if second.Value != 0.2 || second.Weight != 0.0987504 {
		t.Errorf("second value/weight = %v/%v", second.Value, second.Weight)
	}

	want := 1*0.0220863 + 0.2*0.0987504
	if math.Abs(rec.Score()-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", rec.Score(), want)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	rec, err := ParseLine(sampleLine)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if got := rec.Serialize(); got != sampleLine {
		t.Errorf("Serialize mismatch:\n got %q\nwant %q", got, sampleLine)
	}

	// Trailing newline is not part of the record
	rec2, err := ParseLine(sampleLine + "\n")
	if err != nil {
		t.Fatalf("ParseLine with newline failed: %v", err)
	}
	if rec2.Serialize() != sampleLine {
		t.Errorf("Serialize after newline strip mismatch")
	}
}

func TestParseWithoutSSGrad(t *testing.T) {
	rec, err := ParseLine("x^feat1:42:0.5:-1.25")
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	c := rec.Contributions[0]
	if c.HasSSGrad {
		t.Error("HasSSGrad = true, want false")
	}
	if c.Weight != -1.25 || c.Value != 0.5 || c.HashIndex != 42 {
		t.Errorf("parsed %+v", c)
	}
}

func TestParseColonInName(t *testing.T) {
	// Names may contain colons; only the last three fields are numeric
	rec, err := ParseLine("n^a:b:7:1:2")
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	c := rec.Contributions[0]
	if c.Name != "a:b" || c.HashIndex != 7 || c.Value != 1 || c.Weight != 2 {
		t.Errorf("parsed %+v", c)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		line   string
		column int
	}{
		{"nocaret:1:2:3", 0},
		{"a^b:1:2", 0},
		{"a^b:xx:2:3", 0},
		{"a^b:1:yy:3", 0},
		{"a^b:1:2:zz", 0},
		{"a^b:1:2:3@qq", 0},
		{"a^b:1:1:1\tnocaret:1:2:3", 10},
	}
	for _, tc := range cases {
		_, err := ParseLine(tc.line)
		if err == nil {
			t.Errorf("ParseLine(%q) succeeded, want error", tc.line)
			continue
		}
		pe, ok := err.(*ParseError)
		if !ok {
			t.Errorf("ParseLine(%q) error type %T", tc.line, err)
			continue
		}
		if pe.Column != tc.column {
			t.Errorf("ParseLine(%q) column = %d, want %d", tc.line, pe.Column, tc.column)
		}
	}
}

func TestEmptyLine(t *testing.T) {
	rec, err := ParseLine("\n")
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if len(rec.Contributions) != 0 {
		t.Errorf("got %d contributions, want 0", len(rec.Contributions))
	}
	if rec.Score() != 0 {
		t.Errorf("Score = %v, want 0", rec.Score())
	}
}

func TestTopContributions(t *testing.T) {
	line := "a^x:1:1:0.5\ta^x:2:1:0.25\tb^y:3:1:-2"
	rec, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}

	top := rec.TopContributions(func(token string) (string, error) {
		return strings.ToUpper(token), nil
	})
	if len(top) != 2 {
		t.Fatalf("got %d groups, want 2", len(top))
	}

	// b^y has |impact| 2, a^x sums to 0.75
	if top[0].Namespace != "b" || top[0].Impact != -2 || top[0].Label != "Y" {
		t.Errorf("top[0] = %+v", top[0])
	}
	if top[1].Namespace != "a" || top[1].Impact != 0.75 || top[1].Label != "X" {
		t.Errorf("top[1] = %+v", top[1])
	}
}
