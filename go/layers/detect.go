package layers

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

const (
	FORMAT_RAW    = "raw"
	FORMAT_LIME   = "lime"
	FORMAT_ELF    = "elf"
	FORMAT_SNAPPY = "msiz"
)

// Detect identifies the container format of base by magic and returns the
// physical layer built on top of it. Unknown magic means base is a raw image
// and is returned unchanged.
func Detect(name string, base models.Layer) (models.Layer, string, error) {
	var l models.Layer
	var err error
	format := FORMAT_RAW
	switch {
	case MatchLime(base):
		format = FORMAT_LIME
		l, err = NewLimeLayer(name, base)
	case MatchElf(base):
		format = FORMAT_ELF
		l, err = NewElfCoreLayer(name, base)
	case MatchSnappy(base):
		format = FORMAT_SNAPPY
		l, err = NewSnappyLayer(name, base)
	default:
		return base, format, nil
	}
	if err != nil {
		return nil, format, errors.Wrapf(err, "failed to open %s container", format)
	}
	return l, format, nil
}
