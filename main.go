package main

import "github.com/frahmantamala/fieldguard/cmd"

func main() {
	cmd.Execute()
}
