// oculumd is the governed browser-automation control plane daemon.
package main

import "github.com/agencymatthewg-beep/opta-sub003/cmd/oculumd/cmd"

func main() {
	cmd.Execute()
}
