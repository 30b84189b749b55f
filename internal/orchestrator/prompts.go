// internal/orchestrator/prompts.go
package orchestrator

import (
	"fmt"
	"strings"

	"council/internal/council"
	"council/internal/ranking"
)

const confidenceSuffix = `

After your answer, rate how confident you are that it is correct on a scale from 0 to 10.
Put the rating on the last line in exactly this form:
` + ranking.ConfidenceHeader + ` <number>`

const rankingInstructions = `Your task:
1. Evaluate each response on its own: what it does well and what it does poorly.
2. At the very end of your reply, give your final ranking.

Your final ranking MUST be formatted exactly like this:
- A line containing only "` + ranking.RankingHeader + `"
- Then the responses from best to worst as a numbered list
- Each line is the number, a period, a space and ONLY the label (for example "1. Response A")
- Nothing else in the ranking section`

// debateInstructions mirrors the AGREE/OBJECT/ADD protocol reviewers use to
// react to the previous round
const debateInstructions = `Other reviewers ranked these responses in the previous round. Consider their
reasoning, then open your reply with one of:
- "AGREE:" if you accept the prevailing ranking, and briefly say why
- "OBJECT:" if you would rank differently, and explain your reasoning
- "ADD:" if you accept it but have a point the others missed
You may change your ranking.`

func rubricInstructions() string {
	return fmt.Sprintf(`Before the final ranking, score every response from 0 to 10 on %s.
Write a line containing only "%s" followed by a single JSON object keyed by label, for example:
{"Response A": {"accuracy": 8, "completeness": 7, "clarity": 9, "relevance": 8}}`,
		strings.Join(ranking.RubricCriteria, ", "), ranking.RubricHeader)
}

// stage1Prompt asks for an answer followed by a self-reported confidence
func stage1Prompt(question string) string {
	return question + confidenceSuffix
}

// evaluationPrompt embeds every response under its anonymous label. previous
// holds the last debate round, shown with reviewers anonymized as well.
func evaluationPrompt(question string, mapping council.LabelMapping, responses []council.ModelResponse, rubric bool, previous []council.PeerEvaluation) string {
	var sb strings.Builder
	sb.WriteString("You are evaluating different responses to the following question:\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	sb.WriteString("Here are the responses, anonymized:\n\n")
	for _, r := range responses {
		label, _ := mapping.Label(r.Model)
		fmt.Fprintf(&sb, "%s:\n%s\n\n", label, r.Response)
	}

	if len(previous) > 0 {
		sb.WriteString("--- Previous round ---\n\n")
		for i, eval := range previous {
			fmt.Fprintf(&sb, "Reviewer %d:\n%s\n\n", i+1, strings.TrimSpace(eval.Ranking))
		}
		sb.WriteString(debateInstructions)
		sb.WriteString("\n\n")
	}

	if rubric {
		sb.WriteString(rubricInstructions())
		sb.WriteString("\n\n")
	}
	sb.WriteString(rankingInstructions)
	return sb.String()
}

// synthesisPrompt gives the chairman the answers and, when peer review ran,
// the rankings. A nil aggregate means peer review was skipped.
func synthesisPrompt(question string, responses []council.ModelResponse, final []council.PeerEvaluation, agg *council.AggregateRanking) string {
	var sb strings.Builder
	sb.WriteString("You are the chairman of a council of AI models. Several models answered a question")
	if agg != nil {
		sb.WriteString(" and then reviewed each other's answers")
	}
	sb.WriteString(".\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\n", question)

	sb.WriteString("Individual answers:\n\n")
	for _, r := range responses {
		fmt.Fprintf(&sb, "Model: %s\nAnswer: %s\n\n", r.Model, r.Response)
	}

	if agg != nil {
		sb.WriteString("Peer reviews:\n\n")
		for _, eval := range final {
			fmt.Fprintf(&sb, "Reviewer %s:\n%s\n\n", eval.Model, strings.TrimSpace(eval.Ranking))
		}
		sb.WriteString("Aggregate standing, best first:\n")
		for i, e := range agg.Entries {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, e.Model)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`Write a single, complete answer to the question that draws on the strongest
points above and corrects any mistakes. Answer the user directly. Do not mention the
council, the individual models, the reviews or any ranking.`)
	return sb.String()
}

// metaPrompt asks a model to grade the synthesis
func metaPrompt(question, synthesis string) string {
	return fmt.Sprintf(`Grade the following answer for accuracy, completeness and clarity.

Question: %s

Answer:
%s

Give a short critique, then end with a line in exactly this form:
SCORE: <0-10>/10`, question, synthesis)
}
