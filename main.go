// The main package for the rentradar executable.
package main

import (
	"github.com/rentradar/rentradar/cmd"
)

func main() {
	cmd.Execute()
}
