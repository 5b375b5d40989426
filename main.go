package main

import "github.com/dongshu2013/the-sniper/cmd"

func main() {
	cmd.Execute()
}
