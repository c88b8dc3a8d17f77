package main

import (
	"fmt"

	"github.com/vmci-host/fabric/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
