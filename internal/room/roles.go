// internal/room/roles.go
package room

import (
	"math/rand"

	"github.com/jason-s-yu/mafia/internal/models"
)

// shuffleFunc matches rand.Shuffle so tests can pin the deal.
type shuffleFunc func(n int, swap func(i, j int))

// shuffledDeck returns a shuffled copy of the role deck.
func shuffledDeck(shuffle shuffleFunc) []models.Role {
	deck := make([]models.Role, len(models.RoleDeck))
	copy(deck, models.RoleDeck)
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })
	return deck
}

// dealRoles assigns deck[i mod len(deck)] to the i-th player in join order.
// With more players than cards the deck repeats.
func dealRoles(players []models.Player, deck []models.Role) map[string]models.Role {
	out := make(map[string]models.Role, len(players))
	if len(deck) == 0 {
		return out
	}
	for i, p := range players {
		out[p.ID] = deck[i%len(deck)]
	}
	return out
}
