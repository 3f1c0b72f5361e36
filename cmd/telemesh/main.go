// telemesh 节点入口
package main

import (
	"os"

	"github.com/han-fei/telemesh/cmd/telemesh/cmd"
)

// 构建时通过ldflags注入
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cmd.SetVersionInfo(version, commit)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
