package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lunixbochs/vtclean"

	"github.com/lunixbochs/memscope/go/models"
)

func testGrid() *models.TreeGrid {
	g := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "Offset", Kind: models.COL_HEX},
		models.Column{Name: "Name", Kind: models.COL_STR},
	)
	root := g.MustAdd(nil, 1, models.Hex(0x1000), "init")
	g.MustAdd(root, 100, models.Hex(0x2000), "bash")
	g.MustAdd(nil, 2, models.NotAvailable{}, "kthreadd")
	return g
}

func render(t *testing.T, name string, opts Options, g *models.TreeGrid) string {
	r, err := Lookup(name, opts)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := r.Render(&buf, g); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestLookup(t *testing.T) {
	if diff := cmp.Diff([]string{"csv", "json", "pretty", "quick"}, Names()); diff != "" {
		t.Error(diff)
	}
	if _, err := Lookup("xml", Options{}); err == nil {
		t.Error("unknown renderer accepted")
	}
	r, err := Lookup("", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*Quick); !ok {
		t.Errorf("default renderer is %T", r)
	}
}

func TestFormat(t *testing.T) {
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	tests := []struct {
		in   interface{}
		want string
	}{
		{models.Hex(0xff), "0xff"},
		{models.NotAvailable{}, "N/A"},
		{models.Unreadable{}, "-"},
		{true, "True"},
		{42, "42"},
		{uint64(7), "7"},
		{"s", "s"},
		{when, "2020-01-02T02:04:05Z"},
		{models.Disassembly("0x0:\tnop"), "0x0:\tnop"},
	}
	for _, test := range tests {
		if got := Format(test.in); got != test.want {
			t.Errorf("Format(%#v) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestHexDump(t *testing.T) {
	data := append([]byte("ABCDEFGHIJKLMNOP"), 0, 'z')
	want := []string{
		"0x1000: 41 42 43 44 45 46 47 48 49 4a 4b 4c 4d 4e 4f 50 [ABCDEFGHIJKLMNOP]",
		"0x1010: 00 7a                                           [.z              ]",
	}
	if diff := cmp.Diff(want, HexDump(0x1000, data)); diff != "" {
		t.Error(diff)
	}
	// addresses are zero padded to the width of the last one
	got := HexDump(0xff8, data)
	if diff := cmp.Diff([]string{"0x0ff8:", "0x1008:"}, []string{got[0][:7], got[1][:7]}); diff != "" {
		t.Error(diff)
	}
}

func TestQuick(t *testing.T) {
	want := "PID\tOffset\tName\n\n" +
		"1\t0x1000\tinit\n" +
		"* 100\t0x2000\tbash\n" +
		"2\tN/A\tkthreadd\n"
	if diff := cmp.Diff(want, render(t, "quick", Options{}, testGrid())); diff != "" {
		t.Error(diff)
	}
}

func TestPretty(t *testing.T) {
	want := strings.Join([]string{
		"  | PID | Offset | Name",
		"  | 1   | 0x1000 | init",
		"* | 100 | 0x2000 | bash",
		"  | 2   | N/A    | kthreadd",
		"",
	}, "\n")
	plain := render(t, "pretty", Options{}, testGrid())
	if diff := cmp.Diff(want, plain); diff != "" {
		t.Error(diff)
	}
	color := render(t, "pretty", Options{Color: true}, testGrid())
	if color == plain {
		t.Error("color output has no escapes")
	}
	var cleaned []string
	for _, line := range strings.Split(color, "\n") {
		cleaned = append(cleaned, vtclean.Clean(line, false))
	}
	if diff := cmp.Diff(plain, strings.Join(cleaned, "\n")); diff != "" {
		t.Error(diff)
	}
}

func TestPrettyMultiline(t *testing.T) {
	g := models.NewTreeGrid(
		models.Column{Name: "Start", Kind: models.COL_HEX},
		models.Column{Name: "Disasm", Kind: models.COL_DIS},
	)
	g.MustAdd(nil, models.Hex(0x400000), models.Disassembly("0x400000:\tnop\n0x400001:\tret"))
	want := "Start    | Disasm\n" +
		"0x400000 | 0x400000:\tnop\n" +
		"         | 0x400001:\tret\n"
	if diff := cmp.Diff(want, render(t, "pretty", Options{}, g)); diff != "" {
		t.Error(diff)
	}
}

func TestJSON(t *testing.T) {
	out := render(t, "json", Options{}, testGrid())
	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatal(err)
	}
	want := []map[string]interface{}{
		{"PID": 1.0, "Offset": 4096.0, "Name": "init", "__children": []interface{}{
			map[string]interface{}{"PID": 100.0, "Offset": 8192.0, "Name": "bash", "__children": []interface{}{}},
		}},
		{"PID": 2.0, "Offset": nil, "Name": "kthreadd", "__children": []interface{}{}},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Error(diff)
	}
	// column order is kept
	if !strings.Contains(out, `"PID": 1,`) || strings.Index(out, `"PID"`) > strings.Index(out, `"Name"`) {
		t.Errorf("unexpected key order:\n%s", out)
	}
}

func TestCSV(t *testing.T) {
	want := "TreeDepth,PID,Offset,Name\n" +
		"0,1,0x1000,init\n" +
		"1,100,0x2000,bash\n" +
		"0,2,N/A,kthreadd\n"
	if diff := cmp.Diff(want, render(t, "csv", Options{}, testGrid())); diff != "" {
		t.Error(diff)
	}
}
