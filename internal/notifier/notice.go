package notifier

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

const subjectFormat = "Warning: Your Azure storage account (%s) might be exposed"

var noticeFooter = []string{
	"",
	"Anyone who can read the repository can use these credentials. Remove them from source control, " +
		"regenerate the account key in the Azure portal and load the new value from configuration or a key vault instead.",
	"",
	"Reply to this message if you would rather not receive these notices.",
	"",
	"Disclaimer: This is an independent project and is not associated with Microsoft nor Microsoft Azure.",
}

// ComposeNotice renders the disclosure email for one confirmed exposure.
func ComposeNotice(to, repository, accountName, keyPrefix string) codesearch.Notice {
	lines := []string{
		"Hi there!",
		"",
		"Your Azure storage credentials are publicly visible from GitHub: ",
		" - GitHub repository: " + repository,
		" - Storage account: " + accountName,
		" - Storage key: " + keyPrefix + "...",
	}
	lines = append(lines, noticeFooter...)
	return codesearch.Notice{
		To:      to,
		Subject: fmt.Sprintf(subjectFormat, accountName),
		Text:    strings.Join(lines, "\n"),
	}
}
