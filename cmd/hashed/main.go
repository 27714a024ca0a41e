// hashed - агентский рантайм guard: HTTP-шлюз инструментов и служебные команды.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
