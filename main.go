package main

import "github.com/jjudge-oj/authserver/cmd"

func main() {
	cmd.Execute()
}
