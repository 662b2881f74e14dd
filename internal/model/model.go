package model

import "time"

// Group is a set of users sharing shopping lists and a chat.
type Group struct {
	ID        string    `json:"id" firestore:"-"`
	Name      string    `json:"name" firestore:"name"`
	OwnerID   string    `json:"ownerId" firestore:"ownerId"`
	Members   []string  `json:"members" firestore:"members"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// HasMember reports whether uid belongs to the group. The owner is always
// a member.
func (g *Group) HasMember(uid string) bool {
	for _, m := range g.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// ShoppingList groups items under a parent group. IsComplete is derived
// from the items' done flags and is never set directly by a user action.
type ShoppingList struct {
	ID            string    `json:"id" firestore:"-"`
	GroupID       string    `json:"groupId" firestore:"groupId"`
	Name          string    `json:"name" firestore:"name"`
	CreatedBy     string    `json:"createdBy" firestore:"createdBy"`
	IsComplete    bool      `json:"isComplete" firestore:"isComplete"`
	CreatedAt     time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty" firestore:"updatedAt"`
	LastUpdatedBy string    `json:"lastUpdatedBy,omitempty" firestore:"lastUpdatedBy"`
}

// LastActivity returns the update time, falling back to creation time for
// lists that were never touched after creation.
func (l *ShoppingList) LastActivity() time.Time {
	if !l.UpdatedAt.IsZero() {
		return l.UpdatedAt
	}
	return l.CreatedAt
}

// LastActor returns the id of the user behind the most recent change.
func (l *ShoppingList) LastActor() string {
	if l.LastUpdatedBy != "" {
		return l.LastUpdatedBy
	}
	return l.CreatedBy
}

// ShoppingItem is owned exclusively by its list and is cascade-deleted
// with it.
type ShoppingItem struct {
	ID             string    `json:"id" firestore:"-"`
	ShoppingListID string    `json:"shoppingListId" firestore:"shoppingListId"`
	Text           string    `json:"text" firestore:"text"`
	IsDone         bool      `json:"isDone" firestore:"isDone"`
	AddedBy        string    `json:"addedBy" firestore:"addedBy"`
	CreatedAt      time.Time `json:"createdAt" firestore:"createdAt"`
	PhotoURL       string    `json:"photoURL,omitempty" firestore:"photoURL"`
}

// ChatMessage is append-only; it is never edited or deleted.
type ChatMessage struct {
	ID        string    `json:"id" firestore:"-"`
	Text      string    `json:"text" firestore:"text"`
	UserID    string    `json:"userId" firestore:"userId"`
	UserName  string    `json:"userName" firestore:"userName"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	ImageURL  string    `json:"imageUrl,omitempty" firestore:"imageUrl"`
	ImageURLs []string  `json:"imageUrls,omitempty" firestore:"imageUrls"`
}

// UserProfile mirrors the users collection document for one account.
type UserProfile struct {
	UID         string `json:"uid" firestore:"uid"`
	Email       string `json:"email" firestore:"email"`
	DisplayName string `json:"displayName" firestore:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty" firestore:"photoURL"`
	PushToken   string `json:"pushToken,omitempty" firestore:"pushToken"`
}
