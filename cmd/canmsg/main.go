// canmsg runs a set of periodic CAN messages described by an INI or DBC
// definition file, and offers a few bus tools.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
