package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"whs/internal/answers"
)

var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer-text>",
	Short: "Answer a pending question without going through the issue tracker",
	Long: `answer drops an answer file into the running dispatcher's answers
directory; the dispatcher's filesystem watcher notices it on the next
tick and resumes the session that asked the question.

question-id is the orchestrator tracker issue id ` + "`whs doctor`" + ` or
` + "`bd list`" + ` reports for the pending question.`,
	Args: cobra.ExactArgs(2),
	RunE: runAnswer,
}

func init() {
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(_ *cobra.Command, args []string) error {
	questionID, text := args[0], args[1]

	stateDir := filepath.Dir(configPathOrDefault())
	dir := answers.Dir(stateDir)
	if err := answers.Write(dir, answers.Answer{QuestionID: questionID, Text: text}); err != nil {
		return fmt.Errorf("writing answer: %w", err)
	}
	fmt.Printf("answer recorded for %s\n", questionID)
	return nil
}
