package ident

import (
	"strings"
	"testing"
)

func TestParseStrict(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		want     Parsed
		wantErr  bool
	}{
		{
			name:     "basic pdf",
			filename: "212222240047_19AI405.pdf",
			want:     Parsed{RegisterNo: "212222240047", SubjectCode: "19AI405", Ext: "pdf"},
		},
		{
			name:     "with exam type segment",
			filename: "212222240047_19AI405_CIA2.pdf",
			want:     Parsed{RegisterNo: "212222240047", SubjectCode: "19AI405", ExamType: "CIA2", Ext: "pdf"},
		},
		{
			name:     "jpeg normalised to jpg",
			filename: "212222240047_19AI405.jpeg",
			want:     Parsed{RegisterNo: "212222240047", SubjectCode: "19AI405", Ext: "jpg"},
		},
		{
			name:     "lowercase subject uppercased",
			filename: "212222240047_19ai405.png",
			want:     Parsed{RegisterNo: "212222240047", SubjectCode: "19AI405", Ext: "png"},
		},
		{name: "register too short", filename: "2122222400_19AI405.pdf", wantErr: true},
		{name: "register non-numeric", filename: "21222224004x_19AI405.pdf", wantErr: true},
		{name: "subject too short", filename: "212222240047_A.pdf", wantErr: true},
		{name: "subject too long", filename: "212222240047_ABCDEFGHIJK.pdf", wantErr: true},
		{name: "bad extension", filename: "212222240047_19AI405.docx", wantErr: true},
		{name: "no separator", filename: "21222224004719AI405.pdf", wantErr: true},
		{name: "unknown exam type segment", filename: "212222240047_19AI405_MIDTERM.pdf", wantErr: true},
		{name: "arbitrary scan name", filename: "scan_0001.pdf", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseStrict(tc.filename)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNormalizeExamType(t *testing.T) {
	for in, want := range map[string]string{"": "CIA1", "cia2": "CIA2", "SEM": "SEM", " cia3 ": "CIA3"} {
		got, err := NormalizeExamType(in)
		if err != nil {
			t.Fatalf("NormalizeExamType(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeExamType(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := NormalizeExamType("FINAL"); err == nil {
		t.Fatal("expected error for unknown exam type")
	}
}

func TestSniffMagicBytes(t *testing.T) {
	pdf := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 16)...)
	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 16)...)

	cases := []struct {
		name, filename, wantMime, wantExt string
		data                              []byte
		wantErr                           bool
	}{
		{name: "pdf", filename: "a_b.pdf", data: pdf, wantMime: "application/pdf", wantExt: "pdf"},
		{name: "jpeg as jpg", filename: "a_b.jpg", data: jpeg, wantMime: "image/jpeg", wantExt: "jpg"},
		{name: "jpeg as jpeg", filename: "a_b.jpeg", data: jpeg, wantMime: "image/jpeg", wantExt: "jpg"},
		{name: "png", filename: "a_b.png", data: png, wantMime: "image/png", wantExt: "png"},
		{name: "extension mismatch", filename: "a_b.pdf", data: png, wantErr: true},
		{name: "plain text rejected", filename: "a_b.pdf", data: []byte("hello world, not a pdf"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mime, ext, err := Sniff(tc.data, tc.filename)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s/%s", mime, ext)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mime != tc.wantMime || ext != tc.wantExt {
				t.Fatalf("got %s/%s, want %s/%s", mime, ext, tc.wantMime, tc.wantExt)
			}
		})
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("212222240047", "19AI405", "CIA1", "deadbeef")
	b := Fingerprint("212222240047", "19AI405", "CIA1", "deadbeef")
	if a != b {
		t.Fatal("fingerprint not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
	if c := Fingerprint("212222240047", "19AI405", "CIA2", "deadbeef"); c == a {
		t.Fatal("exam type must change the fingerprint")
	}
	if d := Fingerprint("212222240047", "19AI405", "CIA1", "cafef00d"); d == a {
		t.Fatal("content hash must change the fingerprint")
	}
}

func TestCanonicalFilename(t *testing.T) {
	got := CanonicalFilename("212222240047", "19AI405", "CIA1", "pdf")
	if got != "212222240047_19AI405_CIA1.pdf" {
		t.Fatalf("canonical filename = %q", got)
	}
	if !strings.HasSuffix(CanonicalFilename("1", "2", "SEM", ".jpg"), ".jpg") {
		t.Fatal("leading dot on ext must not double")
	}
}
