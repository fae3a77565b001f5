package main

import (
	"github.com/lunixbochs/memscope/go/cmd"

	_ "github.com/lunixbochs/memscope/go/cmd/run"

	_ "github.com/lunixbochs/memscope/go/cmd/pack"
	_ "github.com/lunixbochs/memscope/go/cmd/plugins"
	_ "github.com/lunixbochs/memscope/go/cmd/shell"

	_ "github.com/lunixbochs/memscope/go/plugins/linux"
	_ "github.com/lunixbochs/memscope/go/plugins/windows"
)

func main() { cmd.Main() }
