// Package gql exposes the posts service as a GraphQL schema: queries and
// mutations over HTTP and the postCreated subscription over a websocket.
package gql

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/graphql-go/graphql"

	"github.com/darkden-lab/postfeed/internal/posts"
	"github.com/darkden-lab/postfeed/internal/pubsub"
)

// Events is the source of live post.created payloads.
type Events interface {
	SubscribeContext(ctx context.Context, topics ...string) (*pubsub.Subscription[posts.Post], error)
}

func nonNull(t graphql.Type) *graphql.NonNull { return graphql.NewNonNull(t) }

func listOf(t graphql.Type) *graphql.NonNull { return nonNull(graphql.NewList(nonNull(t))) }

// field resolves from the parent value alone.
func field(t graphql.Output, fn func(src any) any) *graphql.Field {
	return &graphql.Field{
		Type: t,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			return fn(p.Source), nil
		},
	}
}

// millis renders a timestamp as Unix epoch milliseconds, the format the
// frontend parses.
func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func userOf(src any) *posts.User {
	switch v := src.(type) {
	case *posts.User:
		return v
	case posts.User:
		return &v
	}
	return &posts.User{}
}

func postOf(src any) *posts.Post {
	switch v := src.(type) {
	case *posts.Post:
		return v
	case posts.Post:
		return &v
	}
	return &posts.Post{}
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStringPtr(args map[string]any, key string) *string {
	if s, ok := args[key].(string); ok {
		return &s
	}
	return nil
}

func argBoolPtr(args map[string]any, key string) *bool {
	if b, ok := args[key].(bool); ok {
		return &b
	}
	return nil
}

// orNull turns a lookup miss into a null result.
func orNull[T any](v *T, err error) (any, error) {
	if errors.Is(err, posts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func newSchema(svc *posts.Service, events Events) (graphql.Schema, error) {
	var userType, postType *graphql.Object

	authorDetailsType := graphql.NewObject(graphql.ObjectConfig{
		Name: "AuthorDetails",
		Fields: graphql.Fields{
			"name":      field(nonNull(graphql.String), func(s any) any { return s.(posts.AuthorDetails).Name }),
			"username":  field(nonNull(graphql.String), func(s any) any { return s.(posts.AuthorDetails).Username }),
			"postCount": field(nonNull(graphql.Int), func(s any) any { return s.(posts.AuthorDetails).PostCount }),
			"isActive":  field(nonNull(graphql.Boolean), func(s any) any { return s.(posts.AuthorDetails).IsActive }),
		},
	})

	postsByMonthType := graphql.NewObject(graphql.ObjectConfig{
		Name: "PostsByMonth",
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return graphql.Fields{
				"month": field(nonNull(graphql.String), func(s any) any { return s.(posts.MonthGroup).Month }),
				"count": field(nonNull(graphql.Int), func(s any) any { return s.(posts.MonthGroup).Count }),
				"posts": field(listOf(postType), func(s any) any { return s.(posts.MonthGroup).Posts }),
			}
		}),
	})

	userType = graphql.NewObject(graphql.ObjectConfig{
		Name: "User",
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return graphql.Fields{
				"id":          field(nonNull(graphql.ID), func(s any) any { return userOf(s).ID }),
				"email":       field(nonNull(graphql.String), func(s any) any { return userOf(s).Email }),
				"username":    field(nonNull(graphql.String), func(s any) any { return userOf(s).Username }),
				"name":        field(graphql.String, func(s any) any { return optString(userOf(s).Name) }),
				"bio":         field(graphql.String, func(s any) any { return optString(userOf(s).Bio) }),
				"posts":       field(listOf(postType), func(s any) any { return userOf(s).Posts }),
				"createdAt":   field(nonNull(graphql.String), func(s any) any { return millis(userOf(s).CreatedAt) }),
				"updatedAt":   field(nonNull(graphql.String), func(s any) any { return millis(userOf(s).UpdatedAt) }),
				"postCount":   field(nonNull(graphql.Int), func(s any) any { return userOf(s).PostCount() }),
				"fullName":    field(graphql.String, func(s any) any { return userOf(s).FullName() }),
				"recentPosts": field(listOf(postType), func(s any) any { return userOf(s).RecentPosts() }),
				"postTitles":  field(listOf(graphql.String), func(s any) any { return userOf(s).PostTitles() }),
				"postWithLongestTitle": field(postType, func(s any) any {
					if p := userOf(s).PostWithLongestTitle(); p != nil {
						return p
					}
					return nil
				}),
				"postsByMonth": field(listOf(postsByMonthType), func(s any) any { return userOf(s).PostsByMonth() }),
			}
		}),
	})

	postType = graphql.NewObject(graphql.ObjectConfig{
		Name: "Post",
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return graphql.Fields{
				"id":        field(nonNull(graphql.ID), func(s any) any { return postOf(s).ID }),
				"title":     field(nonNull(graphql.String), func(s any) any { return postOf(s).Title }),
				"content":   field(nonNull(graphql.String), func(s any) any { return postOf(s).Content }),
				"published": field(nonNull(graphql.Boolean), func(s any) any { return postOf(s).Published }),
				"author": field(nonNull(userType), func(s any) any {
					if a := postOf(s).Author; a != nil {
						return a
					}
					return nil
				}),
				"createdAt":     field(nonNull(graphql.String), func(s any) any { return millis(postOf(s).CreatedAt) }),
				"updatedAt":     field(nonNull(graphql.String), func(s any) any { return millis(postOf(s).UpdatedAt) }),
				"excerpt":       field(nonNull(graphql.String), func(s any) any { return postOf(s).Excerpt() }),
				"authorName":    field(nonNull(graphql.String), func(s any) any { return postOf(s).AuthorName() }),
				"isRecent":      field(nonNull(graphql.Boolean), func(s any) any { return postOf(s).IsRecent() }),
				"wordCount":     field(nonNull(graphql.Int), func(s any) any { return postOf(s).WordCount() }),
				"readingTime":   field(nonNull(graphql.Int), func(s any) any { return postOf(s).ReadingTime() }),
				"authorDetails": field(nonNull(authorDetailsType), func(s any) any { return postOf(s).AuthorDetails() }),
			}
		}),
	})

	idArg := graphql.FieldConfigArgument{"id": &graphql.ArgumentConfig{Type: nonNull(graphql.ID)}}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"users": &graphql.Field{
				Type: listOf(userType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.Users(p.Context)
				},
			},
			"user": &graphql.Field{
				Type: userType,
				Args: idArg,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return orNull(svc.User(p.Context, argString(p.Args, "id")))
				},
			},
			"posts": &graphql.Field{
				Type: listOf(postType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.Posts(p.Context)
				},
			},
			"post": &graphql.Field{
				Type: postType,
				Args: idArg,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return orNull(svc.Post(p.Context, argString(p.Args, "id")))
				},
			},
			"postsByAuthor": &graphql.Field{
				Type: listOf(postType),
				Args: graphql.FieldConfigArgument{
					"authorId": &graphql.ArgumentConfig{Type: nonNull(graphql.ID)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.PostsByAuthor(p.Context, argString(p.Args, "authorId"))
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createUser": &graphql.Field{
				Type: nonNull(userType),
				Args: graphql.FieldConfigArgument{
					"email":    &graphql.ArgumentConfig{Type: nonNull(graphql.String)},
					"username": &graphql.ArgumentConfig{Type: nonNull(graphql.String)},
					"password": &graphql.ArgumentConfig{Type: nonNull(graphql.String)},
					"name":     &graphql.ArgumentConfig{Type: graphql.String},
					"bio":      &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.CreateUser(p.Context, posts.NewUser{
						Email:    argString(p.Args, "email"),
						Username: argString(p.Args, "username"),
						Password: argString(p.Args, "password"),
						Name:     argStringPtr(p.Args, "name"),
						Bio:      argStringPtr(p.Args, "bio"),
					})
				},
			},
			"createPost": &graphql.Field{
				Type: nonNull(postType),
				Args: graphql.FieldConfigArgument{
					"title":    &graphql.ArgumentConfig{Type: nonNull(graphql.String)},
					"content":  &graphql.ArgumentConfig{Type: nonNull(graphql.String)},
					"authorId": &graphql.ArgumentConfig{Type: nonNull(graphql.ID)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.CreatePost(p.Context, posts.NewPost{
						Title:    argString(p.Args, "title"),
						Content:  argString(p.Args, "content"),
						AuthorID: argString(p.Args, "authorId"),
					})
				},
			},
			"updatePost": &graphql.Field{
				Type: nonNull(postType),
				Args: graphql.FieldConfigArgument{
					"id":        &graphql.ArgumentConfig{Type: nonNull(graphql.ID)},
					"title":     &graphql.ArgumentConfig{Type: graphql.String},
					"content":   &graphql.ArgumentConfig{Type: graphql.String},
					"published": &graphql.ArgumentConfig{Type: graphql.Boolean},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.UpdatePost(p.Context, argString(p.Args, "id"), posts.PostUpdate{
						Title:     argStringPtr(p.Args, "title"),
						Content:   argStringPtr(p.Args, "content"),
						Published: argBoolPtr(p.Args, "published"),
					})
				},
			},
			"deletePost": &graphql.Field{
				Type: nonNull(postType),
				Args: idArg,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.DeletePost(p.Context, argString(p.Args, "id"))
				},
			},
			"deleteUser": &graphql.Field{
				Type: nonNull(userType),
				Args: idArg,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return svc.DeleteUser(p.Context, argString(p.Args, "id"))
				},
			},
		},
	})

	subscription := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"postCreated": &graphql.Field{
				Type: nonNull(postType),
				Subscribe: func(p graphql.ResolveParams) (any, error) {
					return subscribePosts(p.Context, events)
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return p.Source, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:        query,
		Mutation:     mutation,
		Subscription: subscription,
	})
}

// subscribePosts attaches a listener to post.created for the lifetime of ctx
// and adapts it to the channel shape graphql-go consumes.
func subscribePosts(ctx context.Context, events Events) (any, error) {
	sub, err := events.SubscribeContext(ctx, posts.TopicPostCreated)
	if err != nil {
		return nil, err
	}
	out := make(chan any)
	go func() {
		defer close(out)
		defer sub.Close()
		for p := range sub.All(ctx) {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
