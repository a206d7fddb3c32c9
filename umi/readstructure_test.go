package umi

import (
	"errors"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestParseReadStructure(t *testing.T) {
	for _, test := range []struct {
		in       string
		fixed    int
		umi      int
		variable bool
		str      string
	}{
		{"8M+T", 8, 8, true, "8M+T"},
		{"8M12S+T", 20, 8, true, "8M12S+T"},
		{"4m4s4M100T", 112, 8, false, "4M4S4M100T"},
		{"+T", 0, 0, true, "+T"},
		{" 10T ", 10, 0, false, "10T"},
	} {
		rs, err := ParseReadStructure(test.in)
		assert.NoError(t, err, test.in)
		expect.EQ(t, rs.FixedLength(), test.fixed, test.in)
		expect.EQ(t, rs.UMILength(), test.umi, test.in)
		expect.EQ(t, rs.HasVariable(), test.variable, test.in)
		expect.EQ(t, rs.String(), test.str, test.in)
	}
}

func TestParseReadStructureErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"M",
		"8",
		"8X",
		"0M+T",
		"+T8M",
		"8M+M",
		"8M+S",
		"-1M",
	} {
		_, err := ParseReadStructure(in)
		var rse *ReadStructureError
		expect.True(t, errors.As(err, &rse), "%q: %v", in, err)
	}
}

func TestUMILengthIsSumOfUMISegments(t *testing.T) {
	for _, in := range []string{"8M+T", "3M2S3M+T", "1M1M1M1M10T", "12S+T", "6M6M"} {
		rs, err := ParseReadStructure(in)
		assert.NoError(t, err)
		sum := 0
		for _, s := range rs.Segments {
			if s.Kind == UMI {
				sum += s.Length
			}
		}
		expect.EQ(t, rs.UMILength(), sum, in)
	}
}

func TestNewReadStructure(t *testing.T) {
	rs, err := NewReadStructure(Segment{4, UMI}, Segment{VariableLength, Template})
	assert.NoError(t, err)
	expect.EQ(t, rs.String(), "4M+T")

	_, err = NewReadStructure(Segment{VariableLength, Template}, Segment{4, UMI})
	expect.NotNil(t, err)
	_, err = NewReadStructure()
	expect.NotNil(t, err)
}
