// Package prompts builds the text sent to the generation collaborator.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContextLimit bounds how much prior SQL the follow-up classifier sees.
const ContextLimit = 200

// System returns the instructions for generating a query against schema in
// the given SQL dialect.
func System(schema, dialect string) string {
	if dialect == "" {
		dialect = "SQLite"
	}
	return fmt.Sprintf(`You are a data agent that answers questions about a relational database.

Answer user questions by generating a valid SQL query for the schema below.

### Database Schema
%s

### Instructions
1. Reasoning: before writing any SQL, explain step by step which tables, joins and filters answer the question.
2. SQL Generation: write one valid %s query that answers the question.
3. Output Format: reply in this strict JSON format and nothing else:
{
  "thought_process": "Step-by-step reasoning here...",
  "sql_query": "SELECT ...;"
}

### Rules
- Do not assume anything. If the question does not relate to the schema, return a query that selects a single message column explaining what the database covers.
- If the question is too vague to answer (a greeting, random words), return a query that selects a single message column asking for a specific question.
- Read-only: never generate INSERT, UPDATE, DELETE, DROP, ALTER, TRUNCATE or CREATE statements.
- For non-aggregated lists of rows always add LIMIT 20.
- Use standard %s syntax.`, schema, dialect, dialect)
}

// Generation returns the attempt-1 prompt. A non-empty prior query is
// offered so follow-up questions can refine it.
func Generation(system, question, prior string) string {
	if prior == "" {
		return fmt.Sprintf("%s\n\nUser Question: %s", system, question)
	}
	return fmt.Sprintf(`%s

### Previous Context
The user's previous query generated this SQL:
`+"```sql\n%s\n```"+`

If the new question is a follow-up, modify the previous SQL. Otherwise, generate a fresh query.

User Question: %s`, system, prior, question)
}

// Corrective extends base with the failed query and its error so the next
// attempt can repair it.
func Corrective(base, question, failedQuery, failure string, attempt int) string {
	return fmt.Sprintf(`%s

### Correction
Attempt %d failed with error: %s
The query was: %s

Carefully analyze the error and correct the SQL query to answer: %q

Make sure to:
- check that table and column names match the schema exactly
- use proper syntax for the target database
- avoid functions the database does not provide

Reply in the same strict JSON format with "thought_process" and "sql_query".`, base, attempt, failure, failedQuery, question)
}

// FollowUp asks whether question refines the prior query.
func FollowUp(question, prior string) string {
	if r := []rune(prior); len(r) > ContextLimit {
		prior = string(r[:ContextLimit])
	}
	return fmt.Sprintf(`Previous SQL: %s
Question: %s

Is this a follow-up/refinement of the previous query? Answer ONLY "yes" or "no".`, prior, question)
}

// Suggestions asks for three short follow-up questions.
func Suggestions(question, query string, sample []map[string]any) string {
	return fmt.Sprintf(`Based on this SQL query and data, suggest exactly 3 short follow-up questions.

User's Question: %s
SQL Query: %s
Sample Data: %s

Return ONLY a JSON array: ["Q1?", "Q2?", "Q3?"]
Keep questions under 10 words.`, question, query, sampleJSON(sample))
}

// Summary asks for a one-sentence insight over the sample rows.
func Summary(question string, sample []map[string]any) string {
	return fmt.Sprintf(`User asked: %q
Data found (first %d rows): %s

Summarize the key insight in exactly 1 sentence. Be specific with numbers.
Return ONLY the summary sentence, no JSON, no quotes.`, question, len(sample), sampleJSON(sample))
}

func sampleJSON(sample []map[string]any) string {
	data, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return strings.TrimSpace(fmt.Sprint(sample))
	}
	return string(data)
}
