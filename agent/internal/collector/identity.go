package collector

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewIdentity 生成采集器身份
// pinned非空时使用固定身份，多个worker时追加序号；
// 否则生成 主机名-pid-随机串，进程重启后不会与旧身份冲突
func NewIdentity(pinned string, index, workers int) string {
	if pinned != "" {
		if workers > 1 {
			return fmt.Sprintf("%s-%d", pinned, index)
		}
		return pinned
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "collector"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
