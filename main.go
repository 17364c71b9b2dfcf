package main

import "github.com/frahmantamala/member-payments/cmd"

func main() {
	cmd.Execute()
}
