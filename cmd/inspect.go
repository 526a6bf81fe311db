package cmd

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/KaiHe-better/PathLLM/checkpoint"
	"github.com/KaiHe-better/PathLLM/format"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "List the tensors in a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	st, err := checkpoint.Load(checkpoint.Resolve(args[0]))
	if err != nil {
		return err
	}

	writeStateTable(cmd.OutOrStdout(), st)
	return nil
}

func writeStateTable(w io.Writer, st *checkpoint.State) {
	var params uint64
	var data [][]string
	for _, name := range st.Names() {
		entry, _ := st.Get(name)
		n := entry.Elements()
		params += uint64(n)

		data = append(data, []string{
			name,
			fmt.Sprintf("%v", entry.Shape),
			format.HumanNumber(uint64(n)),
			format.HumanBytes(int64(n) * 4),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "SHAPE", "ELEMENTS", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\n%d tensors, %s parameters\n", st.Len(), format.HumanNumber(params))
}
