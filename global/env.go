package global

var (
	// Name 应用名称
	Name = "FeiSync Service"
)
