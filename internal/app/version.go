// Package app 提供应用容器，封装引擎全部组件
package app

// 版本信息变量，由构建时注入
var (
	Version   string = "1.3.0"
	GitTag    string = "2000.01.01.release"
	BuildTime string = "2000-01-01T00:00:00+0800"
)

// 应用名称常量
const (
	// Name 应用名称
	Name = "FeiSync Service"
)
