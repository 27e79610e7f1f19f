package main

import "github.com/FollowTheProcess/warp/cli/cmd"

func main() {
	cmd.Execute()
}
