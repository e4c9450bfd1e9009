package utils

// Key constants used throughout the application for context storage
const (
	// KeyGRPCClients is the context key for storing gRPC clients
	KeyGRPCClients = "grpcClients"
	// KeyQuota is the context key for the quota usage reporter
	KeyQuota = "quota"

	DefaultPromptToSummarize string = `Could you please provide a concise and comprehensive summary of the given ` +
		`text? The summary should capture the main points and key details of the text while conveying the ` +
		`author's intended meaning accurately.

	IMPORTANT: Please do not write something like "OK, this is my summary". Just start with the summary.
	IMPORTANT: Please try to be concise to 1-2 sentences.

	The content you are to summarize is as follows:`
)
