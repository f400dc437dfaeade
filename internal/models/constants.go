package models

const (
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`
	// PageSeparator joins the pages of a document so a page break reads as a paragraph break.
	PageSeparator = "\n\n"
	// MetricCosine is the only similarity metric an index is built for.
	MetricCosine = "cosine"
)

var (
	// PromptTemplate is the contract with the answer model. The {context} and {question}
	// placeholders are the only substitution slots.
	PromptTemplate = `You are an IVF bot which helps patients in pursuing or starting their IVF journey. You assist with everything including social, financial, legal, procedures, and mental health aspects, and provide guidance about the same.

# Context: {context}

# Question: {question}

Only return the helpful answer below and nothing else.
Answer:
`
)
