package source

import (
	"errors"
	"testing"
)

func TestParseRecord(t *testing.T) {
	rec, err := parseRecord([]byte("6,339,5140900,-;NET: Registered protocol family 10\n SUBSYSTEM=net\n DEVICE=+net:lo\n"))
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec.prio != 6 || rec.seq != 339 || rec.usec != 5140900 {
		t.Errorf("header = %d,%d,%d; want 6,339,5140900", rec.prio, rec.seq, rec.usec)
	}
	if string(rec.text) != "NET: Registered protocol family 10" {
		t.Errorf("text = %q", rec.text)
	}
}

func TestParseRecordExtraHeaderFields(t *testing.T) {
	rec, err := parseRecord([]byte("4,12,100,c,caller=T1;hello\n"))
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec.seq != 12 || string(rec.text) != "hello" {
		t.Errorf("got seq=%d text=%q", rec.seq, rec.text)
	}
}

func TestParseRecordWithoutNewline(t *testing.T) {
	rec, err := parseRecord([]byte("3,1,2,-;no newline"))
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.text) != "no newline" {
		t.Errorf("text = %q", rec.text)
	}
}

func TestParseRecordMalformed(t *testing.T) {
	bad := []string{
		"no semicolon at all\n",
		"6,339;too few fields\n",
		"x,339,1,-;bad prio\n",
		"6,abc,1,-;bad seq\n",
		"6,1,-5,-;bad ts\n",
	}
	for _, in := range bad {
		if _, err := parseRecord([]byte(in)); !errors.Is(err, ErrParse) {
			t.Errorf("parseRecord(%q) err = %v, want ErrParse", in, err)
		}
	}
}

func TestAppendRecord(t *testing.T) {
	tests := []struct {
		rec  record
		want string
	}{
		{record{prio: 6, usec: 5140900, text: []byte("NET: up")}, "<6>[    5.140900] NET: up\n"},
		{record{prio: 0, usec: 0, text: []byte("boot")}, "<0>[    0.000000] boot\n"},
		{record{prio: 14, usec: 123456789012, text: nil}, "<14>[123456.789012] \n"},
	}
	for _, tt := range tests {
		if got := string(appendRecord(nil, tt.rec)); got != tt.want {
			t.Errorf("appendRecord = %q, want %q", got, tt.want)
		}
	}
}
