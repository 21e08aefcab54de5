package main

import (
	"github.com/haierkeys/feisync-service/cmd"
)

func main() {
	cmd.Execute()
}
