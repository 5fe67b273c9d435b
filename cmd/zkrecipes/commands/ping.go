package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DataDog/zkrecipes/store"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Open a session and list the namespace root",
	RunE:  ping,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func ping(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("session: 0x%x\n", c.SessionID())

	children, _, err := c.Children("/")
	switch {
	case store.IsNoNode(err):
		fmt.Println("namespace doesn't exist yet")
		return nil
	case err != nil:
		return err
	}

	for _, name := range children {
		fmt.Println(name)
	}

	return nil
}
