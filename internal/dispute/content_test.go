package dispute

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/disputeworks/core/internal/domain"
)

func sampleInput(kind domain.LetterKind) LetterInput {
	return LetterInput{
		ClientName: "Jordan Reyes",
		Date:       time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		Round:      1,
		Kind:       kind,
		Recipient:  BureauRecipient(domain.BureauEquifax),
		Items: []*domain.DisputeItem{
			{AccountNumber: "4400123456789012", Bureau: domain.BureauEquifax},
		},
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	in := sampleInput(domain.LetterRound1)
	assert.Equal(t, Compose(in), Compose(in))
}

func TestComposeMasksAccountNumbers(t *testing.T) {
	body := Compose(sampleInput(domain.LetterRound1))
	assert.NotContains(t, body, "4400123456789012")
	assert.Contains(t, body, "9012")
}

func TestComposeAddressesTheBureau(t *testing.T) {
	body := Compose(sampleInput(domain.LetterRound1))
	assert.Contains(t, body, "Equifax Information Services LLC")
	assert.Contains(t, body, "P.O. Box 740256")
	assert.Contains(t, body, "Atlanta, GA 30374")
	assert.Contains(t, body, "February 10, 2026")
	assert.True(t, strings.HasSuffix(body, "Jordan Reyes\n"))
}

func TestComposeKindSpecificFraming(t *testing.T) {
	mov := Compose(sampleInput(domain.LetterMOV))
	assert.Contains(t, mov, "Method of Verification")
	assert.Contains(t, mov, "611(a)(7)")

	block := Compose(sampleInput(domain.Letter605BBlock))
	assert.Contains(t, block, "605B")

	demand := Compose(sampleInput(domain.LetterDemand))
	assert.Contains(t, demand, "15 days")
}

func TestBureauRecipients(t *testing.T) {
	for _, b := range []domain.Bureau{domain.BureauEquifax, domain.BureauExperian, domain.BureauTransUnion} {
		r := BureauRecipient(b)
		assert.Equal(t, domain.RecipientBureau, r.Type)
		assert.Equal(t, b, r.Bureau)
		assert.NotEmpty(t, r.Address1)
		assert.NotEmpty(t, r.Zip)
	}
}
