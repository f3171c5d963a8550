// The forgeloop binary plans work with an LLM, executes it through agents
// and iterates on test failures until the generated code is green.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	// Register LLM providers via init().
	_ "github.com/forgeloop/forgeloop/llm/providers"

	"github.com/forgeloop/forgeloop/commands"
)

const version = "0.1.0"

func main() {
	// Local development keeps credentials in .env; absence is fine.
	_ = godotenv.Load()

	if err := commands.NewRoot(version, buildApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
