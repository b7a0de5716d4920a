package copilot

import "encoding/json"

// MockFileQuery is answered locally with a sample file result.
const MockFileQuery = "mockfile"

func mockFileFragment() string {
	data, _ := json.Marshal(map[string]string{
		"type":     "file",
		"filename": "sample_report.txt",
		"content":  "U2FtcGxlIGZpbGUgY29udGVudCBmb3IgZG93bmxvYWQgdGVzdGluZy4=",
		"filetype": "text/plain",
		"result":   "Here is your requested report. Please download the file below.",
	})
	return string(data)
}
