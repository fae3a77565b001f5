package plugins

import (
	"bytes"
	"strings"
	"testing"

	_ "github.com/lunixbochs/memscope/go/plugins/linux"
	_ "github.com/lunixbochs/memscope/go/plugins/windows"
)

func TestList(t *testing.T) {
	var buf bytes.Buffer
	if err := List(&buf, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, name := range []string{"banners.Banners", "linux.pslist.PsList", "windows.info.Info"} {
		if !strings.Contains(out, name+" ") {
			t.Errorf("%s missing:\n%s", name, out)
		}
	}
	if strings.Index(out, "linux.") > strings.Index(out, "windows.") {
		t.Error("plugins not sorted")
	}
	buf.Reset()
	if err := List(&buf, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "-threads") {
		t.Error("verbose listing has no flags")
	}
}
