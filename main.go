package main

import "github.com/MrGrillet/Light-box-besktop/cmd"

func main() {
	cmd.Execute()
}
