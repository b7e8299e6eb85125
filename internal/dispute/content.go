package dispute

import (
	"fmt"
	"strings"
	"time"

	"github.com/disputeworks/core/internal/domain"
)

// bureauAddresses are the CRA dispute-correspondence addresses.
var bureauAddresses = map[domain.Bureau]domain.Recipient{
	domain.BureauEquifax: {
		Type: domain.RecipientBureau, Bureau: domain.BureauEquifax,
		Name: "Equifax Information Services LLC", Address1: "P.O. Box 740256",
		City: "Atlanta", State: "GA", Zip: "30374",
	},
	domain.BureauExperian: {
		Type: domain.RecipientBureau, Bureau: domain.BureauExperian,
		Name: "Experian", Address1: "P.O. Box 4500",
		City: "Allen", State: "TX", Zip: "75013",
	},
	domain.BureauTransUnion: {
		Type: domain.RecipientBureau, Bureau: domain.BureauTransUnion,
		Name: "TransUnion Consumer Solutions", Address1: "P.O. Box 2000",
		City: "Chester", State: "PA", Zip: "19016",
	},
}

// BureauRecipient returns the dispute mailing address for a bureau.
func BureauRecipient(b domain.Bureau) domain.Recipient {
	return bureauAddresses[b]
}

// LetterInput is the read-only snapshot a letter is composed from. Rendering
// to PDF happens outside the core; this layer only produces text.
type LetterInput struct {
	ClientName string
	Date       time.Time
	Round      int
	Kind       domain.LetterKind
	Recipient  domain.Recipient
	Items      []*domain.DisputeItem
}

// Compose is the pure letter content function: no I/O, deterministic for a
// given input. The AI writer produces the persuasive body; this skeleton is
// the statutory frame it fills and the fallback when AI output is blocked.
func Compose(in LetterInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n\n", in.Date.Format("January 2, 2006"))
	fmt.Fprintf(&b, "%s\n%s\n%s, %s %s\n\n",
		in.Recipient.Name, in.Recipient.Address1,
		in.Recipient.City, in.Recipient.State, in.Recipient.Zip)
	fmt.Fprintf(&b, "Re: %s — %s\n\n", subjectLine(in.Kind, in.Round), in.ClientName)

	b.WriteString(opening(in.Kind))
	b.WriteString("\n\n")

	if len(in.Items) > 0 {
		b.WriteString("The following items are disputed:\n\n")
		for i, item := range in.Items {
			fmt.Fprintf(&b, "%d. Account %s (%s)\n", i+1, maskAccount(item.AccountNumber), item.Bureau)
		}
		b.WriteString("\n")
	}

	b.WriteString(closing(in.Kind))
	fmt.Fprintf(&b, "\n\nSincerely,\n%s\n", in.ClientName)
	return b.String()
}

func subjectLine(kind domain.LetterKind, round int) string {
	switch kind {
	case domain.LetterMOV:
		return "Method of Verification Demand (FCRA §611(a)(7))"
	case domain.Letter605BBlock:
		return "Identity Theft Block Request (FCRA §605B)"
	case domain.LetterReinsertion:
		return "Reinsertion Notice Violation (FCRA §611(a)(5)(B))"
	case domain.LetterValidation:
		return "Debt Validation Request (FDCPA §809)"
	case domain.LetterCFPB:
		return "Regulatory Complaint"
	case domain.LetterDemand:
		return "Demand for Civil Liability (FCRA §§616, 617)"
	case domain.LetterPreArb:
		return "Pre-Arbitration Notice"
	case domain.LetterFreeze:
		return "Security Freeze Request"
	default:
		return fmt.Sprintf("Formal Dispute — Round %d (FCRA §611)", round)
	}
}

func opening(kind domain.LetterKind) string {
	switch kind {
	case domain.LetterReinsertion:
		return "Previously deleted information has reappeared on my file without the " +
			"written notice §611(a)(5)(B) requires within five business days of reinsertion."
	case domain.LetterMOV:
		return "You reported these items as verified. Under §611(a)(7) I demand the " +
			"method of verification, including the name, address, and telephone number " +
			"of each furnisher consulted."
	case domain.Letter605BBlock:
		return "The items below resulted from identity theft. Enclosed are my identity " +
			"theft report and proof of identity; §605B requires you to block them within " +
			"four business days."
	default:
		return "I dispute the accuracy of the items listed below and request a " +
			"reasonable reinvestigation under FCRA §611. Complete your reinvestigation " +
			"within 30 days of receipt and delete any information that cannot be verified."
	}
}

func closing(kind domain.LetterKind) string {
	if kind == domain.LetterDemand {
		return "Absent cure within 15 days, I will pursue statutory and actual damages " +
			"under §§616 and 617."
	}
	return "Send me written results of your reinvestigation and a corrected copy of my report."
}

// maskAccount keeps the last four characters visible. Full account numbers
// never leave the sealed PII path.
func maskAccount(n string) string {
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
