package migration

import "testing"

func TestRespParser_SimpleStatuses(t *testing.T) {
	p := newRespParser(3)
	p.Feed([]byte("+OK\r\n:1\r\n+OK\r\n"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !p.Done() {
		t.Fatalf("Done() = false, want true")
	}
}

func TestRespParser_BulkReply(t *testing.T) {
	p := newRespParser(1)
	p.Feed([]byte("$5\r\nhello\r\n"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !p.Done() {
		t.Fatalf("Done() = false, want true")
	}
}

func TestRespParser_NilBulkReply(t *testing.T) {
	p := newRespParser(1)
	p.Feed([]byte("$-1\r\n"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !p.Done() {
		t.Fatalf("Done() = false, want true")
	}
}

func TestRespParser_ErrorReply(t *testing.T) {
	p := newRespParser(1)
	p.Feed([]byte("-ERR bad input\r\n"))
	if err := p.Step(); err == nil {
		t.Fatalf("Step() error = nil, want error")
	}
}

func TestRespParser_PartialFrameAcrossFeeds(t *testing.T) {
	p := newRespParser(1)
	p.Feed([]byte("$5\r\nhel"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if p.Done() {
		t.Fatalf("Done() = true before the frame completed")
	}

	p.Feed([]byte("lo\r\n"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !p.Done() {
		t.Fatalf("Done() = false after the frame completed")
	}
}

func TestRespParser_SplitAcrossMultipleResponses(t *testing.T) {
	p := newRespParser(2)
	p.Feed([]byte("+OK\r\n"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if p.Done() {
		t.Fatalf("Done() = true, want false with one response still owed")
	}

	p.Feed([]byte(":42\r\n"))
	if err := p.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !p.Done() {
		t.Fatalf("Done() = false, want true")
	}
}

func TestRespParser_UnexpectedFrameType(t *testing.T) {
	p := newRespParser(1)
	p.Feed([]byte("*2\r\n"))
	if err := p.Step(); err == nil {
		t.Fatalf("Step() error = nil, want error for an array frame")
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"42", 42, false},
		{"-5", -5, false},
		{"", 0, true},
		{"12x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInt([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseInt(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
