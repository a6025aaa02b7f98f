// Command gorp is the Gorp daemon and CLI entrypoint.
package main

import "github.com/nextlevelbuilder/gorp/cmd"

func main() {
	cmd.Execute()
}
